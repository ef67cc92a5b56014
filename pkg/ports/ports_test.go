package ports

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"testing"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fakeLister(t *testing.T, stats []gnet.ConnectionStat, owners map[int32]owner) *Lister {
	l := NewLister(zaptest.NewLogger(t))
	l.conns = func(context.Context, string) ([]gnet.ConnectionStat, error) { return stats, nil }
	l.owner = func(_ context.Context, pid int32) (owner, error) {
		if o, ok := owners[pid]; ok {
			return o, nil
		}
		return owner{}, errors.New("no such process")
	}
	return l
}

func TestUsedAndGroup(t *testing.T) {
	stats := []gnet.ConnectionStat{
		{Pid: 10, Status: "LISTEN", Laddr: gnet.Addr{IP: "0.0.0.0", Port: 8888}},
		{Pid: 10, Status: "ESTABLISHED", Laddr: gnet.Addr{IP: "10.0.0.1", Port: 8888}, Raddr: gnet.Addr{IP: "10.0.0.2", Port: 51000}},
		{Pid: 20, Status: "LISTEN", Laddr: gnet.Addr{IP: "::", Port: 22}},
		{Pid: 30, Status: "LISTEN", Laddr: gnet.Addr{IP: "::", Port: 9000}},
		{Pid: 0, Status: "TIME_WAIT", Laddr: gnet.Addr{IP: "::", Port: 9100}},
	}
	l := fakeLister(t, stats, map[int32]owner{
		10: {user: "alice", command: "jupyter"},
		20: {user: "root", command: "sshd"},
	})

	conns, err := l.Used(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 3)

	users, groups := GroupByUser(conns)
	assert.Equal(t, []string{"alice", "root"}, users)
	assert.Len(t, groups["alice"], 2)

	var buf bytes.Buffer
	require.NoError(t, WriteUsed(&buf, conns))
	assert.Equal(t, "alice\n8888\tjupyter\tLISTEN\n8888,51000\tjupyter\tESTABLISHED\n\nroot\n22\tsshd\tLISTEN\n\n", buf.String())
}

func TestLocalPortRange(t *testing.T) {
	t.Cleanup(func() { procReadFile = os.ReadFile })

	procReadFile = func(string) ([]byte, error) { return []byte("32768\t60999\n"), nil }
	lo, hi, err := LocalPortRange()
	require.NoError(t, err)
	assert.Equal(t, uint32(32768), lo)
	assert.Equal(t, uint32(60999), hi)

	procReadFile = func(string) ([]byte, error) { return []byte("60999 32768"), nil }
	_, _, err = LocalPortRange()
	assert.Error(t, err)

	procReadFile = func(string) ([]byte, error) { return []byte("x"), nil }
	_, _, err = LocalPortRange()
	assert.Error(t, err)
}

func TestFreePorts(t *testing.T) {
	conns := []Conn{{LocalPort: 40001}, {LocalPort: 40003, RemotePort: 40004}}
	rng := rand.New(rand.NewPCG(1, 2))

	got, err := FreePorts(conns, 40000, 40005, 3, rng)
	require.NoError(t, err)
	assert.Equal(t, []uint32{40000, 40002, 40005}, got)

	_, err = FreePorts(conns, 40000, 40005, 4, rng)
	assert.Error(t, err)
	_, err = FreePorts(conns, 40000, 40005, 0, rng)
	assert.Error(t, err)

	got, err = FreePorts(nil, 50000, 50999, 10, rng)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
}
