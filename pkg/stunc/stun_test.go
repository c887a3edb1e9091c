package stunc

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// fakeStunServer answers every Binding Request it receives with a
// Binding Response that maps the client to mappedIP:mappedPort, XOR'd
// per RFC 5389 §15.2. It runs until the test ends.
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
			if n < headerSize {
				continue
			}
			var txnID [12]byte
			copy(txnID[:], buf[8:20])
			resp := buildResponse(txnID, mappedIP, mappedPort)
			conn.WriteToUDP(resp, addr)
		}
	}()

	return conn.LocalAddr().String()
}

func buildResponse(txnID [12]byte, ip net.IP, port int) []byte {
	ip4 := ip.To4()
	val := make([]byte, 8)
	val[0] = 0
	val[1] = 0x01
	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
	binary.BigEndian.PutUint16(val[2:4], uint16(port)^uint16(magicCookie>>16))
	for i := 0; i < 4; i++ {
		val[4+i] = ip4[i] ^ cookieBytes[i]
	}

	attr := make([]byte, 4+len(val))
	binary.BigEndian.PutUint16(attr[0:2], attrXORMappedAddress)
	binary.BigEndian.PutUint16(attr[2:4], uint16(len(val)))
	copy(attr[4:], val)

	resp := make([]byte, headerSize+len(attr))
	binary.BigEndian.PutUint16(resp[0:2], bindingResponse)
	binary.BigEndian.PutUint16(resp[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(resp[4:8], magicCookie)
	copy(resp[8:20], txnID[:])
	copy(resp[20:], attr)
	return resp
}

func TestQueryParsesXORMappedAddress(t *testing.T) {
	wantIP := net.ParseIP("203.0.113.7").To4()
	wantPort := 40000
	server := fakeStunServer(t, wantIP, wantPort)

	ip, port, err := Query(server, 0, time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !ip.Equal(wantIP) {
		t.Errorf("ip = %v, want %v", ip, wantIP)
	}
	if port != wantPort {
		t.Errorf("port = %d, want %d", port, wantPort)
	}
}

func TestClassifyNATDetectsCone(t *testing.T) {
	mappedIP := net.ParseIP("203.0.113.7").To4()
	mappedPort := 41000
	s1 := fakeStunServer(t, mappedIP, mappedPort)
	s2 := fakeStunServer(t, mappedIP, mappedPort)

	class, ip, port, err := ClassifyNAT(s1, s2, 0, time.Second)
	if err != nil {
		t.Fatalf("ClassifyNAT: %v", err)
	}
	if class != NATCone {
		t.Errorf("class = %v, want NATCone", class)
	}
	if !ip.Equal(mappedIP) || port != mappedPort {
		t.Errorf("address = %s:%d, want %s:%d", ip, port, mappedIP, mappedPort)
	}
}

func TestClassifyNATDetectsSymmetric(t *testing.T) {
	ip1 := net.ParseIP("203.0.113.7").To4()
	ip2 := net.ParseIP("203.0.113.7").To4()
	s1 := fakeStunServer(t, ip1, 41000)
	s2 := fakeStunServer(t, ip2, 41001) // different port → symmetric

	class, _, _, err := ClassifyNAT(s1, s2, 0, time.Second)
	if err != nil {
		t.Fatalf("ClassifyNAT: %v", err)
	}
	if class != NATSymmetric {
		t.Errorf("class = %v, want NATSymmetric", class)
	}
}

func TestClassifyNATDetectsPublic(t *testing.T) {
	local, err := localRoutableAddr("203.0.113.7:41000")
	if err != nil {
		t.Fatalf("localRoutableAddr: %v", err)
	}

	// boundPort is only known once ClassifyNAT binds its own socket, so
	// the fake server echoes back whatever source port it actually sees
	// rather than a fixed one, simulating a host with no NAT in front.
	mirror := mirrorStunServer(t, local)
	class, _, _, err := ClassifyNAT(mirror, mirror, 0, time.Second)
	if err != nil {
		t.Fatalf("ClassifyNAT: %v", err)
	}
	if class != NATPublic {
		t.Errorf("class = %v, want NATPublic", class)
	}
}

// mirrorStunServer answers every Binding Request by echoing back the
// sender's own source port, with local as the mapped IP, simulating a
// host with a directly routable address and no NAT in front of it.
func mirrorStunServer(t *testing.T, local net.IP) string {
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
			if n < headerSize {
				continue
			}
			var txnID [12]byte
			copy(txnID[:], buf[8:20])
			resp := buildResponse(txnID, local, addr.Port)
			conn.WriteToUDP(resp, addr)
		}
	}()

	return conn.LocalAddr().String()
}

func TestParseBindingResponseRejectsBadTxnID(t *testing.T) {
	resp := buildResponse([12]byte{1, 2, 3}, net.ParseIP("1.2.3.4"), 1234)
	if _, _, err := parseBindingResponse(resp, [12]byte{9, 9, 9}); err == nil {
		t.Fatal("expected transaction ID mismatch error")
	}
}
