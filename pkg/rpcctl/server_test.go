package rpcctl

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/omerta-mesh/meshnode/pkg/identity"
	"github.com/omerta-mesh/meshnode/pkg/meshnode"
	"github.com/omerta-mesh/meshnode/pkg/netconf"
)

// fakeStunServer answers every STUN Binding Request with a fixed mapped
// address, so starting a Mesh in tests doesn't need real internet
// reachability.
func fakeStunServer(t *testing.T, mappedIP net.IP, mappedPort int) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < 20 {
				continue
			}
			var txnID [12]byte
			copy(txnID[:], buf[8:20])
			conn.WriteToUDP(buildStunResponse(txnID, mappedIP, mappedPort), addr)
		}
	}()
	return conn.LocalAddr().String()
}

func buildStunResponse(txnID [12]byte, ip net.IP, port int) []byte {
	const magicCookie = 0x2112A442
	ip4 := ip.To4()
	val := make([]byte, 8)
	val[1] = 0x01
	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
	binary.BigEndian.PutUint16(val[2:4], uint16(port)^uint16(magicCookie>>16))
	for i := 0; i < 4; i++ {
		val[4+i] = ip4[i] ^ cookieBytes[i]
	}
	attr := make([]byte, 4+len(val))
	binary.BigEndian.PutUint16(attr[0:2], 0x0020)
	binary.BigEndian.PutUint16(attr[2:4], uint16(len(val)))
	copy(attr[4:], val)

	resp := make([]byte, 20+len(attr))
	binary.BigEndian.PutUint16(resp[0:2], 0x0101)
	binary.BigEndian.PutUint16(resp[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(resp[4:8], magicCookie)
	copy(resp[8:20], txnID[:])
	copy(resp[20:], attr)
	return resp
}

func newTestMeshForRPC(t *testing.T) *meshnode.Mesh {
	t.Helper()
	bundle, err := netconf.NewBundle("a-long-enough-shared-test-secret", nil, nil)
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	stunAddr := fakeStunServer(t, net.ParseIP("203.0.113.9"), 45000)
	m, err := meshnode.New(meshnode.Config{
		Identity:    kp,
		Bundle:      bundle,
		ListenAddr:  "127.0.0.1:0",
		STUNServers: [2]string{stunAddr, stunAddr},
	})
	if err != nil {
		t.Fatalf("meshnode.New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestClientServerIntegration(t *testing.T) {
	mesh := newTestMeshForRPC(t)

	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("omerta-mesh-rpc-%d.sock", os.Getpid()))
	t.Cleanup(func() { os.Remove(socketPath) })

	server, err := NewServer(ServerConfig{SocketPath: socketPath, Version: "test-v1", Mesh: mesh})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	result, err := client.Call("mesh.status", nil)
	if err != nil {
		t.Fatalf("Call mesh.status: %v", err)
	}
	statusMap, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %T, want map", result)
	}
	if statusMap["version"] != "test-v1" {
		t.Errorf("version = %v, want test-v1", statusMap["version"])
	}

	result, err = client.Call("mesh.peers", nil)
	if err != nil {
		t.Fatalf("Call mesh.peers: %v", err)
	}
	if result != nil {
		if _, ok := result.([]interface{}); !ok {
			t.Errorf("mesh.peers result = %T, want array or nil", result)
		}
	}
}

func TestPingRejectsMissingPeerID(t *testing.T) {
	mesh := newTestMeshForRPC(t)
	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("omerta-mesh-rpc-%d-ping.sock", os.Getpid()))
	t.Cleanup(func() { os.Remove(socketPath) })

	server, err := NewServer(ServerConfig{SocketPath: socketPath, Version: "test", Mesh: mesh})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	_, err = client.Call("mesh.ping", map[string]interface{}{})
	if err == nil {
		t.Fatal("expected error for missing peer_id")
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	mesh := newTestMeshForRPC(t)
	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("omerta-mesh-rpc-%d-unknown.sock", os.Getpid()))
	t.Cleanup(func() { os.Remove(socketPath) })

	server, err := NewServer(ServerConfig{SocketPath: socketPath, Version: "test", Mesh: mesh})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	_, err = client.Call("mesh.explode", nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestDefaultSocketPathNotEmpty(t *testing.T) {
	if DefaultSocketPath() == "" {
		t.Error("DefaultSocketPath should not be empty")
	}
}

func TestFormatSocketPathShortensHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := FormatSocketPath(filepath.Join(home, "omerta-mesh.sock"))
	if got == filepath.Join(home, "omerta-mesh.sock") {
		t.Errorf("FormatSocketPath did not shorten home prefix: %s", got)
	}
}
