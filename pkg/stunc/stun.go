// Package stunc implements a minimal RFC 5389 STUN Binding client and a
// three-way NAT classifier built on top of it (public/cone/symmetric),
// which reports unknown when only one STUN server answers.
package stunc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/omerta-mesh/meshnode/pkg/obs"
)

const (
	bindingRequest  = 0x0001
	bindingResponse = 0x0101
	magicCookie     = 0x2112A442
	headerSize      = 20

	attrMappedAddress    = 0x0001
	attrXORMappedAddress = 0x0020
)

// DefaultServers is a small set of public STUN servers sufficient for
// reflexive-address discovery and NAT classification.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// NATClass classifies the address-mapping behavior a node's NAT exhibits.
type NATClass string

const (
	// NATPublic means the node's local and reflexive addresses match: it
	// has a routable address and needs no traversal at all.
	NATPublic NATClass = "public"
	// NATCone means both STUN servers observed the same external
	// mapping: endpoint-independent, hole-punch friendly.
	NATCone NATClass = "cone"
	// NATSymmetric means the STUN servers observed different external
	// mappings: endpoint-dependent, requires port prediction or relay.
	NATSymmetric NATClass = "symmetric"
	// NATUnknown means only one STUN server responded.
	NATUnknown NATClass = "unknown"
)

func buildBindingRequest() []byte {
	req := make([]byte, headerSize)
	binary.BigEndian.PutUint16(req[0:2], bindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint32(req[4:8], magicCookie)
	rand.Read(req[8:20])
	return req
}

func parseBindingResponse(data []byte, txnID [12]byte) (net.IP, int, error) {
	if len(data) < headerSize {
		return nil, 0, fmt.Errorf("stunc: response too short: %d bytes", len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != bindingResponse {
		return nil, 0, fmt.Errorf("stunc: unexpected message type")
	}
	if binary.BigEndian.Uint32(data[4:8]) != magicCookie {
		return nil, 0, fmt.Errorf("stunc: invalid magic cookie")
	}
	var respTxnID [12]byte
	copy(respTxnID[:], data[8:20])
	if respTxnID != txnID {
		return nil, 0, fmt.Errorf("stunc: transaction ID mismatch")
	}

	attrLen := binary.BigEndian.Uint16(data[2:4])
	if int(attrLen) > len(data)-headerSize {
		return nil, 0, fmt.Errorf("stunc: attribute length %d exceeds data", attrLen)
	}
	attrs := data[headerSize : headerSize+int(attrLen)]

	var mappedIP net.IP
	var mappedPort int

	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		valLen := binary.BigEndian.Uint16(attrs[2:4])
		padLen := valLen
		if padLen%4 != 0 {
			padLen += 4 - padLen%4
		}
		if int(4+valLen) > len(attrs) {
			break
		}
		val := attrs[4 : 4+valLen]

		switch attrType {
		case attrXORMappedAddress:
			if ip, port, err := parseXORMappedAddress(val, txnID); err == nil {
				return ip, port, nil
			}
		case attrMappedAddress:
			if ip, port, err := parseMappedAddress(val); err == nil {
				mappedIP = ip
				mappedPort = port
			}
		}
		if int(4+padLen) > len(attrs) {
			break
		}
		attrs = attrs[4+padLen:]
	}

	if mappedIP != nil {
		return mappedIP, mappedPort, nil
	}
	return nil, 0, fmt.Errorf("stunc: no mapped address in response")
}

func parseXORMappedAddress(val []byte, txnID [12]byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("stunc: XOR-MAPPED-ADDRESS too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]) ^ uint16(magicCookie>>16))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("stunc: XOR-MAPPED-ADDRESS IPv4 too short")
		}
		var cookieBytes [4]byte
		binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = val[4+i] ^ cookieBytes[i]
		}
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("stunc: XOR-MAPPED-ADDRESS IPv6 too short")
		}
		var xorKey [16]byte
		binary.BigEndian.PutUint32(xorKey[0:4], magicCookie)
		copy(xorKey[4:16], txnID[:])
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = val[4+i] ^ xorKey[i]
		}
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("stunc: unknown address family 0x%02x", family)
	}
}

func parseMappedAddress(val []byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("stunc: MAPPED-ADDRESS too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("stunc: MAPPED-ADDRESS IPv4 too short")
		}
		ip := make(net.IP, 4)
		copy(ip, val[4:8])
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("stunc: MAPPED-ADDRESS IPv6 too short")
		}
		ip := make(net.IP, 16)
		copy(ip, val[4:20])
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("stunc: unknown address family 0x%02x", family)
	}
}

// Query sends a single STUN Binding Request to server from a fresh socket
// bound to localPort (0 for any free port) and returns the reflexive
// address observed by the server.
func Query(server string, localPort int, timeout time.Duration) (net.IP, int, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, 0, fmt.Errorf("stunc: resolve server %q: %w", server, err)
	}

	var laddr *net.UDPAddr
	if localPort > 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, 0, fmt.Errorf("stunc: bind udp: %w", err)
	}
	defer conn.Close()

	return queryConn(conn, server, raddr, timeout)
}

// queryConn performs one binding exchange over an already-bound socket,
// so callers that need multiple queries from the same local port (NAT
// classification) can share one connection.
func queryConn(conn *net.UDPConn, server string, raddr *net.UDPAddr, timeout time.Duration) (net.IP, int, error) {
	req := buildBindingRequest()
	var txnID [12]byte
	copy(txnID[:], req[8:20])

	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return nil, 0, fmt.Errorf("stunc: send to %s: %w", server, err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 512)
	n, sender, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("stunc: read from %s: %w", server, err)
	}
	if sender == nil || !sender.IP.Equal(raddr.IP) {
		return nil, 0, fmt.Errorf("stunc: response from unexpected sender %v (want %v)", sender, raddr)
	}

	return parseBindingResponse(buf[:n], txnID)
}

// DiscoverExternalEndpoint tries the default STUN servers in turn and
// returns the first successful reflexive address.
func DiscoverExternalEndpoint(localPort int) (net.IP, int, error) {
	for _, server := range DefaultServers {
		ip, port, err := Query(server, localPort, 3*time.Second)
		if err == nil {
			return ip, port, nil
		}
	}
	return nil, 0, fmt.Errorf("stunc: all STUN servers failed")
}

// localRoutableAddr returns the local IP address the OS would use to reach
// target. net.Dial on a UDP socket only consults the routing table to pick
// a source address; it sends nothing on the wire.
func localRoutableAddr(target string) (net.IP, error) {
	conn, err := net.Dial("udp4", target)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("stunc: unexpected local addr type %T", conn.LocalAddr())
	}
	return addr.IP, nil
}

// isPublic reports whether the reflexive address a STUN server observed
// for us matches the address and port we'd locally bind to reach that
// server: if so, this host isn't behind any NAT on that path at all.
func isPublic(reflexiveIP net.IP, reflexivePort int, server string, boundPort int) bool {
	localIP, err := localRoutableAddr(server)
	if err != nil {
		return false
	}
	return localIP.Equal(reflexiveIP) && reflexivePort == boundPort
}

// ClassifyNAT queries two STUN servers from the same local socket and
// compares the reflected addresses to tell a public host from a cone NAT
// from a symmetric one. A local address equal to the reflexive address
// means the node itself holds a public, routable endpoint.
func ClassifyNAT(server1, server2 string, localPort int, timeout time.Duration) (NATClass, net.IP, int, error) {
	_, span := obs.StunTracer.Start(context.Background(), "stunc.classify_nat")
	defer span.End()

	var laddr *net.UDPAddr
	if localPort > 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return "", nil, 0, fmt.Errorf("stunc: bind udp for classification: %w", err)
	}
	defer conn.Close()
	boundPort := conn.LocalAddr().(*net.UDPAddr).Port

	raddr1, err1 := net.ResolveUDPAddr("udp4", server1)
	var ip1 net.IP
	var port1 int
	if err1 == nil {
		ip1, port1, err1 = queryConn(conn, server1, raddr1, timeout)
	}

	raddr2, err2 := net.ResolveUDPAddr("udp4", server2)
	var ip2 net.IP
	var port2 int
	if err2 == nil {
		ip2, port2, err2 = queryConn(conn, server2, raddr2, timeout)
	}

	if err1 != nil && err2 != nil {
		return "", nil, 0, fmt.Errorf("stunc: both STUN servers failed: %v; %v", err1, err2)
	}

	if err1 != nil {
		if isPublic(ip2, port2, server2, boundPort) {
			span.SetAttributes(attribute.String("nat.class", string(NATPublic)))
			return NATPublic, ip2, port2, nil
		}
		span.SetAttributes(attribute.String("nat.class", string(NATUnknown)))
		return NATUnknown, ip2, port2, nil
	}
	if err2 != nil {
		if isPublic(ip1, port1, server1, boundPort) {
			span.SetAttributes(attribute.String("nat.class", string(NATPublic)))
			return NATPublic, ip1, port1, nil
		}
		span.SetAttributes(attribute.String("nat.class", string(NATUnknown)))
		return NATUnknown, ip1, port1, nil
	}

	if isPublic(ip1, port1, server1, boundPort) {
		span.SetAttributes(attribute.String("nat.class", string(NATPublic)),
			attribute.String("external.addr", fmt.Sprintf("%s:%d", ip1, port1)))
		return NATPublic, ip1, port1, nil
	}

	if ip1.Equal(ip2) && port1 == port2 {
		span.SetAttributes(attribute.String("nat.class", string(NATCone)),
			attribute.String("external.addr", fmt.Sprintf("%s:%d", ip1, port1)))
		return NATCone, ip1, port1, nil
	}

	span.SetAttributes(attribute.String("nat.class", string(NATSymmetric)),
		attribute.String("external.addr", fmt.Sprintf("%s:%d", ip1, port1)))
	return NATSymmetric, ip1, port1, nil
}
