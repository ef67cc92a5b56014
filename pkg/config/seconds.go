package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSeconds accepts a bare number of seconds ("3", "0.5") or a Go duration ("3s", "1m").
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrInvalid)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad duration %q", ErrInvalid, s)
	}
	return d, nil
}

// FormatSeconds renders d as a bare number of seconds.
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// Seconds is a pflag.Value for durations that also accepts bare seconds.
type Seconds struct {
	d *time.Duration
}

// NewSeconds sets *p to def and returns a flag value writing to p.
func NewSeconds(p *time.Duration, def time.Duration) *Seconds {
	*p = def
	return &Seconds{d: p}
}

func (s *Seconds) String() string {
	if s == nil || s.d == nil {
		return ""
	}
	return s.d.String()
}

func (s *Seconds) Set(v string) error {
	d, err := ParseSeconds(v)
	if err != nil {
		return err
	}
	*s.d = d
	return nil
}

func (s *Seconds) Type() string { return "seconds" }
