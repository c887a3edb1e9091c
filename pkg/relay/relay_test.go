package relay

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	token := NewToken()
	frame := Encode(TypeData, token, []byte("hello"))

	msgType, gotToken, payload, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msgType != TypeData {
		t.Errorf("msgType = %d, want %d", msgType, TypeData)
	}
	if gotToken != token {
		t.Errorf("token = %x, want %x", gotToken, token)
	}
	if !bytes.Equal(payload, []byte("hello")) {
		t.Errorf("payload = %q, want %q", payload, "hello")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, _, _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error decoding a too-short frame")
	}
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan string, 1)
	go func() {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
		if err != nil {
			t.Errorf("ListenUDP: %v", err)
			ready <- ""
			return
		}
		addr := conn.LocalAddr().String()
		conn.Close()
		ready <- addr
		srv.ListenAndServe(ctx, addr)
	}()
	addr := <-ready
	time.Sleep(50 * time.Millisecond)
	return srv, addr
}

func dialRelay(t *testing.T, addr string) *net.UDPConn {
	t.Helper()
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerPairsTwoRegistrantsAndForwards(t *testing.T) {
	srv, addr := startTestServer(t)
	token := NewToken()

	connA := dialRelay(t, addr)
	connB := dialRelay(t, addr)

	connA.Write(Encode(TypeRegister, token, nil))
	connB.Write(Encode(TypeRegister, token, nil))

	ackBuf := make([]byte, 64)
	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := connA.Read(ackBuf)
	if err != nil {
		t.Fatalf("reading register ack: %v", err)
	}
	msgType, _, _, err := Decode(ackBuf[:n])
	if err != nil || msgType != TypeRegisterOK {
		t.Fatalf("expected RegisterOK ack, got type=%d err=%v", msgType, err)
	}

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	connB.Read(ackBuf)

	if err := connA.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	connA.Write(Encode(TypeData, token, []byte("from-a")))

	buf := make([]byte, 128)
	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = connB.Read(buf)
	if err != nil {
		t.Fatalf("reading forwarded data: %v", err)
	}
	_, _, payload, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode forwarded frame: %v", err)
	}
	if !bytes.Equal(payload, []byte("from-a")) {
		t.Errorf("forwarded payload = %q, want %q", payload, "from-a")
	}

	if got := srv.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
}

func TestServerDropsDataForUnpairedSession(t *testing.T) {
	_, addr := startTestServer(t)
	token := NewToken()
	conn := dialRelay(t, addr)

	conn.Write(Encode(TypeRegister, token, nil))
	ackBuf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.Read(ackBuf)

	conn.Write(Encode(TypeData, token, []byte("nobody-listening")))

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected no forwarded data with only one peer registered")
	}
}

func TestClientRegisterAndForwardInvokeSender(t *testing.T) {
	var sentTo *net.UDPAddr
	var sentFrame []byte
	send := func(addr *net.UDPAddr, payload []byte) error {
		sentTo = addr
		sentFrame = payload
		return nil
	}

	relayAddr := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 9000}
	token := NewToken()
	c := NewClient(send, relayAddr, token)

	if err := c.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if sentTo.String() != relayAddr.String() {
		t.Errorf("Register sent to %v, want %v", sentTo, relayAddr)
	}
	msgType, gotToken, _, err := Decode(sentFrame)
	if err != nil || msgType != TypeRegister || gotToken != token {
		t.Fatalf("unexpected register frame: type=%d token=%x err=%v", msgType, gotToken, err)
	}

	if err := c.Forward([]byte("payload")); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	msgType, _, payload, _ := Decode(sentFrame)
	if msgType != TypeData || string(payload) != "payload" {
		t.Errorf("Forward produced type=%d payload=%q", msgType, payload)
	}
}
