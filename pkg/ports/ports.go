// Package ports lists the ports processes hold open and picks unused
// unprivileged ports.
package ports

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// procReadFile lets tests stub /proc/sys.
var procReadFile = os.ReadFile

const portRangePath = "/proc/sys/net/ipv4/ip_local_port_range"

// Conn is one socket with its owner.
type Conn struct {
	User       string
	PID        int32
	Command    string
	Status     string
	LocalPort  uint32
	RemotePort uint32 // zero when unconnected
}

// Ports returns the non-zero ports of c.
func (c Conn) Ports() []uint32 {
	if c.RemotePort == 0 {
		return []uint32{c.LocalPort}
	}
	return []uint32{c.LocalPort, c.RemotePort}
}

type owner struct {
	user, command string
}

// Lister reads the socket table.
type Lister struct {
	conns  func(ctx context.Context, kind string) ([]gnet.ConnectionStat, error)
	owner  func(ctx context.Context, pid int32) (owner, error)
	logger *zap.Logger
}

// NewLister returns a Lister backed by /proc/net.
func NewLister(logger *zap.Logger) *Lister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{conns: gnet.ConnectionsWithContext, owner: lookupOwner, logger: logger}
}

func lookupOwner(ctx context.Context, pid int32) (owner, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return owner{}, err
	}
	user, err := p.UsernameWithContext(ctx)
	if err != nil {
		return owner{}, err
	}
	name, _ := p.NameWithContext(ctx)
	return owner{user: user, command: name}, nil
}

// Used returns inet sockets that belong to a readable process. Sockets whose
// owner cannot be resolved are skipped.
func (l *Lister) Used(ctx context.Context) ([]Conn, error) {
	stats, err := l.conns(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("listing sockets: %w", err)
	}
	owners := make(map[int32]owner)
	var out []Conn
	for _, s := range stats {
		if s.Pid == 0 || s.Laddr.Port == 0 {
			continue
		}
		o, ok := owners[s.Pid]
		if !ok {
			o, err = l.owner(ctx, s.Pid)
			if err != nil {
				l.logger.Debug("skipping socket owner", zap.Int32("pid", s.Pid), zap.Error(err))
				continue
			}
			owners[s.Pid] = o
		}
		out = append(out, Conn{
			User:       o.user,
			PID:        s.Pid,
			Command:    o.command,
			Status:     s.Status,
			LocalPort:  s.Laddr.Port,
			RemotePort: s.Raddr.Port,
		})
	}
	return out, nil
}

// GroupByUser returns the users in name order and each user's sockets ordered by local port.
func GroupByUser(conns []Conn) ([]string, map[string][]Conn) {
	groups := make(map[string][]Conn)
	for _, c := range conns {
		groups[c.User] = append(groups[c.User], c)
	}
	users := make([]string, 0, len(groups))
	for u, cs := range groups {
		users = append(users, u)
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].LocalPort < cs[j].LocalPort })
	}
	sort.Strings(users)
	return users, groups
}

// WriteUsed prints a block per user: "ports<TAB>command" lines then a blank line.
func WriteUsed(w io.Writer, conns []Conn) error {
	users, groups := GroupByUser(conns)
	for _, u := range users {
		if _, err := fmt.Fprintln(w, u); err != nil {
			return err
		}
		for _, c := range groups[u] {
			ports := make([]string, 0, 2)
			for _, p := range c.Ports() {
				ports = append(ports, strconv.FormatUint(uint64(p), 10))
			}
			status := ""
			if c.Status != "" && c.Status != "NONE" {
				status = "\t" + c.Status
			}
			if _, err := fmt.Fprintf(w, "%s\t%s%s\n", strings.Join(ports, ","), c.Command, status); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// LocalPortRange reads the kernel's ephemeral port range.
func LocalPortRange() (lo, hi uint32, err error) {
	data, err := procReadFile(portRangePath)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("malformed %s: %q", portRangePath, data)
	}
	a, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed %s: %w", portRangePath, err)
	}
	b, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed %s: %w", portRangePath, err)
	}
	if a > b {
		return 0, 0, fmt.Errorf("malformed %s: %d > %d", portRangePath, a, b)
	}
	return uint32(a), uint32(b), nil
}

// FreePorts picks n distinct ports in [lo, hi] that do not appear in conns,
// sampled uniformly and returned in ascending order.
func FreePorts(conns []Conn, lo, hi uint32, n int, rng *rand.Rand) ([]uint32, error) {
	if n < 1 {
		return nil, fmt.Errorf("port count must be at least 1, got %d", n)
	}
	used := make(map[uint32]struct{})
	for _, c := range conns {
		for _, p := range c.Ports() {
			used[p] = struct{}{}
		}
	}
	var free []uint32
	for p := lo; p <= hi; p++ {
		if _, ok := used[p]; !ok {
			free = append(free, p)
		}
	}
	if len(free) < n {
		return nil, fmt.Errorf("only %d free ports in %d-%d, %d requested", len(free), lo, hi, n)
	}
	for i := 0; i < n; i++ {
		j := i + rng.IntN(len(free)-i)
		free[i], free[j] = free[j], free[i]
	}
	picked := free[:n]
	sort.Slice(picked, func(i, j int) bool { return picked[i] < picked[j] })
	return picked, nil
}
