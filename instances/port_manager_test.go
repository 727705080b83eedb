package instances

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPortManagerValidatesRange(t *testing.T) {
	_, err := NewPortManager("127.0.0.1", 0, 10)
	assert.Error(t, err)
	_, err = NewPortManager("127.0.0.1", 5000, 4000)
	assert.Error(t, err)
	_, err = NewPortManager("127.0.0.1", 5000, 70000)
	assert.Error(t, err)
}

func TestAllocateAndReleasePort(t *testing.T) {
	pm, err := NewPortManager("127.0.0.1", 42000, 42002)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		port, err := pm.AllocatePort()
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}

	_, err = pm.AllocatePort()
	assert.ErrorIs(t, err, ErrNoPortAvailable)

	pm.ReleasePort(42001)
	port, err := pm.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, 42001, port)
}

func TestAllocateSkipsBoundPorts(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	pm, err := NewPortManager("127.0.0.1", busy, busy)
	require.NoError(t, err)

	_, err = pm.AllocatePort()
	assert.ErrorIs(t, err, ErrNoPortAvailable, "port %s is bound by the test", strconv.Itoa(busy))
}
