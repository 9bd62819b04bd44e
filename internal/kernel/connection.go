package kernel

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/j-brandt/codecell/protocol"
)

// newConnectionInfo allocates the kernel's ports on locally-free TCP ports
// and a fresh HMAC key. The advertised IP is 0.0.0.0 so the kernel binds
// inside its container; the client side rewrites it to loopback.
func newConnectionInfo() (protocol.ConnectionInfo, error) {
	ports, err := freePorts(protocol.PortCount)
	if err != nil {
		return protocol.ConnectionInfo{}, err
	}
	return protocol.ConnectionInfo{
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		IP:              "0.0.0.0",
		Transport:       protocol.TransportTCP,
		SignatureScheme: protocol.SignatureScheme,
		Key:             uuid.New().String(),
	}, nil
}

// freePorts reserves n distinct free TCP ports. The listeners stay open
// until all ports are collected so the kernel cannot be handed duplicates.
func freePorts(n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("allocate port: %w", err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// clientInfo rewrites the advertised host to loopback for our side of the
// channel; the container's ports are published on 127.0.0.1.
func clientInfo(info protocol.ConnectionInfo) protocol.ConnectionInfo {
	info.IP = "127.0.0.1"
	return info
}

func writeConnectionFile(path string, info protocol.ConnectionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal connection info: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write connection file: %w", err)
	}
	return nil
}

func (l *Launcher) kernelFilePath(sessionID string) string {
	return filepath.Join(l.connDir, "kernel-"+sessionID+".json")
}

func (l *Launcher) clientFilePath(sessionID string) string {
	return filepath.Join(l.connDir, "client-"+sessionID+".json")
}
