package rendezvous

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omerta-mesh/meshnode/pkg/signaling"
)

func dialServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg signaling.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) signaling.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg signaling.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestRegisterRejectsEmptyAuthProof(t *testing.T) {
	s := New(nil)
	httpSrv := httptest.NewServer(s)
	defer httpSrv.Close()

	conn := dialServer(t, httpSrv)
	send(t, conn, signaling.Message{Type: signaling.TypeRegister, PeerID: "a", NetworkID: "net1", AuthProof: ""})

	reply := recv(t, conn)
	if reply.Type != signaling.TypeError {
		t.Errorf("reply.Type = %q, want error", reply.Type)
	}
}

func TestRegisterSucceedsWithProof(t *testing.T) {
	s := New(nil)
	httpSrv := httptest.NewServer(s)
	defer httpSrv.Close()

	conn := dialServer(t, httpSrv)
	send(t, conn, signaling.Message{Type: signaling.TypeRegister, PeerID: "a", NetworkID: "net1", AuthProof: "proof"})

	reply := recv(t, conn)
	if reply.Type != signaling.TypeRegistered {
		t.Fatalf("reply.Type = %q, want registered", reply.Type)
	}

	time.Sleep(20 * time.Millisecond)
	if got := s.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
}

func TestRequestConnectionDispatchesComplementaryStrategies(t *testing.T) {
	s := New(nil)
	httpSrv := httptest.NewServer(s)
	defer httpSrv.Close()

	connA := dialServer(t, httpSrv)
	send(t, connA, signaling.Message{Type: signaling.TypeRegister, PeerID: "alice", NetworkID: "net1", AuthProof: "p"})
	recv(t, connA) // registered

	connB := dialServer(t, httpSrv)
	send(t, connB, signaling.Message{Type: signaling.TypeRegister, PeerID: "bob", NetworkID: "net1", AuthProof: "p"})
	recv(t, connB) // registered

	send(t, connA, signaling.Message{Type: signaling.TypeReportEndpoint, Endpoint: "1.1.1.1:1", NATClass: NATSymmetric})
	send(t, connB, signaling.Message{Type: signaling.TypeReportEndpoint, Endpoint: "2.2.2.2:2", NATClass: NATCone})
	time.Sleep(20 * time.Millisecond)

	send(t, connA, signaling.Message{Type: signaling.TypeRequestConnection, TargetPeerID: "bob", RequesterPubkey: "alice-pub"})

	peerEndpointForA := recv(t, connA)
	if peerEndpointForA.Type != signaling.TypePeerEndpoint || peerEndpointForA.PeerID != "bob" {
		t.Fatalf("unexpected first message to A: %+v", peerEndpointForA)
	}
	strategyForA := recv(t, connA)
	if strategyForA.Strategy != "you_initiate" {
		t.Errorf("A (symmetric) strategy = %q, want you_initiate", strategyForA.Strategy)
	}

	peerEndpointForB := recv(t, connB)
	if peerEndpointForB.Type != signaling.TypePeerEndpoint || peerEndpointForB.PeerID != "alice" {
		t.Fatalf("unexpected first message to B: %+v", peerEndpointForB)
	}
	strategyForB := recv(t, connB)
	if strategyForB.Strategy != "peer_initiates" {
		t.Errorf("B (cone) strategy = %q, want peer_initiates", strategyForB.Strategy)
	}
}

func TestRequestConnectionFailsForUnknownTarget(t *testing.T) {
	s := New(nil)
	httpSrv := httptest.NewServer(s)
	defer httpSrv.Close()

	conn := dialServer(t, httpSrv)
	send(t, conn, signaling.Message{Type: signaling.TypeRegister, PeerID: "alice", NetworkID: "net1", AuthProof: "p"})
	recv(t, conn)

	send(t, conn, signaling.Message{Type: signaling.TypeRequestConnection, TargetPeerID: "ghost"})
	reply := recv(t, conn)
	if reply.Type != signaling.TypeError {
		t.Errorf("reply.Type = %q, want error", reply.Type)
	}
}

func TestPingReceivesPong(t *testing.T) {
	s := New(nil)
	httpSrv := httptest.NewServer(s)
	defer httpSrv.Close()

	conn := dialServer(t, httpSrv)
	send(t, conn, signaling.Message{Type: signaling.TypePing})
	reply := recv(t, conn)
	if reply.Type != signaling.TypePong {
		t.Errorf("reply.Type = %q, want pong", reply.Type)
	}
}

func TestDecideStrategyTable(t *testing.T) {
	cases := []struct {
		requester, target         string
		wantRequester, wantTarget string
	}{
		{NATPublic, NATPublic, "simultaneous", "simultaneous"},
		{NATPublic, NATCone, "simultaneous", "simultaneous"},
		{NATCone, NATCone, "simultaneous", "simultaneous"},
		{NATPublic, NATSymmetric, "peer_initiates", "you_initiate"},
		{NATSymmetric, NATPublic, "you_initiate", "peer_initiates"},
		{NATSymmetric, NATSymmetric, "relay", "relay"},
	}
	for _, c := range cases {
		gotReq, gotTgt := decideStrategy(c.requester, c.target)
		if gotReq != c.wantRequester || gotTgt != c.wantTarget {
			t.Errorf("decideStrategy(%s, %s) = (%s, %s), want (%s, %s)",
				c.requester, c.target, gotReq, gotTgt, c.wantRequester, c.wantTarget)
		}
	}
}
