package kernel

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-brandt/codecell/protocol"
)

func TestNewConnectionInfoDistinctPorts(t *testing.T) {
	info, err := newConnectionInfo()
	require.NoError(t, err)

	ports := []int{info.ShellPort, info.IOPubPort, info.StdinPort, info.ControlPort, info.HBPort}
	seen := make(map[int]bool)
	for _, p := range ports {
		assert.Greater(t, p, 0)
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}

	assert.Equal(t, "0.0.0.0", info.IP)
	assert.Equal(t, protocol.TransportTCP, info.Transport)
	assert.Equal(t, protocol.SignatureScheme, info.SignatureScheme)
	assert.NotEmpty(t, info.Key)
}

func TestFreePortsCount(t *testing.T) {
	ports, err := freePorts(protocol.PortCount)
	require.NoError(t, err)
	assert.Len(t, ports, protocol.PortCount)
}

func TestClientInfoRewritesHost(t *testing.T) {
	info, err := newConnectionInfo()
	require.NoError(t, err)

	c := clientInfo(info)
	assert.Equal(t, "127.0.0.1", c.IP)
	// Everything else carries over untouched.
	assert.Equal(t, info.Key, c.Key)
	assert.Equal(t, info.ShellPort, c.ShellPort)
	// The source value is not mutated.
	assert.Equal(t, "0.0.0.0", info.IP)
}

func TestWriteConnectionFile(t *testing.T) {
	info, err := newConnectionInfo()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "kernel.json")
	require.NoError(t, writeConnectionFile(path, info))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got protocol.ConnectionInfo
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, info, got)
}
