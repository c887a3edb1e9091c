// Package rpcctl is the mesh's local introspection surface: a
// Unix-socket JSON-RPC server exposing mesh.status, mesh.peers, and
// mesh.ping to a CLI or other local tooling, without requiring those
// tools to link against the mesh itself.
package rpcctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/omerta-mesh/meshnode/pkg/identity"
	"github.com/omerta-mesh/meshnode/pkg/meshnode"
)

const defaultPingTimeout = 2 * time.Second

// ServerConfig configures the control socket.
type ServerConfig struct {
	SocketPath string
	Version    string
	Mesh       *meshnode.Mesh
	Log        *slog.Logger
}

// Server serves mesh introspection requests over a Unix domain socket.
type Server struct {
	socketPath string
	version    string
	mesh       *meshnode.Mesh
	log        *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a Server bound to cfg.SocketPath. Call Start to
// begin accepting connections.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Mesh == nil {
		return nil, fmt.Errorf("rpcctl: mesh is required")
	}
	if _, err := os.Stat(cfg.SocketPath); err == nil {
		if err := os.Remove(cfg.SocketPath); err != nil {
			return nil, fmt.Errorf("rpcctl: remove existing socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("rpcctl: create socket directory: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: cfg.SocketPath,
		version:    cfg.Version,
		mesh:       cfg.Mesh,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start binds the socket at 0600 permissions and begins accepting
// connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("rpcctl: listen on socket: %w", err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		s.listener.Close()
		return fmt.Errorf("rpcctl: set socket permissions: %w", err)
	}

	s.log.Info("rpcctl: listening", "socket", s.socketPath)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn("rpcctl: accept error", "error", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(writer, &Response{
				JSONRPC: "2.0",
				Error:   &Error{Code: ErrCodeParseError, Message: fmt.Sprintf("parse request: %v", err)},
			})
			continue
		}
		s.writeResponse(writer, s.handleRequest(&req))
	}

	if err := scanner.Err(); err != nil {
		s.log.Debug("rpcctl: connection error", "error", err)
	}
}

func (s *Server) writeResponse(w *bufio.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("rpcctl: encode response failed", "error", err)
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return
	}
	w.Flush()
}

func (s *Server) handleRequest(req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}

	if req.JSONRPC != "2.0" {
		resp.Error = &Error{Code: ErrCodeInvalidRequest, Message: "invalid jsonrpc version, must be 2.0"}
		return resp
	}

	switch req.Method {
	case "mesh.status":
		resp.Result = s.handleStatus()
	case "mesh.peers":
		resp.Result = s.handlePeers()
	case "mesh.ping":
		result, rpcErr := s.handlePing(req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &Error{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
	return resp
}

func (s *Server) handleStatus() *StatusResult {
	status := s.mesh.GetStatus()
	return &StatusResult{
		PeerID:         status.PeerID,
		NATClass:       status.NATClass,
		PublicEndpoint: status.PublicEndpoint,
		PeerCount:      status.PeerCount,
		Version:        s.version,
	}
}

func (s *Server) handlePeers() []*PeerInfoResult {
	peers := s.mesh.KnownPeersWithInfo()
	out := make([]*PeerInfoResult, 0, len(peers))
	for _, p := range peers {
		out = append(out, &PeerInfoResult{
			PeerID:   p.PeerID,
			Endpoint: p.Endpoint,
			LastSeen: p.LastSeen.Format(time.RFC3339),
		})
	}
	return out
}

func (s *Server) handlePing(params map[string]interface{}) (*PingResult, *Error) {
	peerIDStr, ok := params["peer_id"].(string)
	if !ok || peerIDStr == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "missing or invalid 'peer_id' parameter"}
	}
	peer, err := identity.ParsePeerID(peerIDStr)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid peer_id: %v", err)}
	}

	timeout := defaultPingTimeout
	if ms, ok := params["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	requestFullList, _ := params["request_full_list"].(bool)

	result, err := s.mesh.Ping(s.ctx, peer, timeout, requestFullList)
	if err != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}
	if result == nil {
		return &PingResult{Reached: false}, nil
	}
	return &PingResult{
		Reached:       true,
		Endpoint:      result.Endpoint,
		LatencyMS:     result.LatencyMS,
		SentPeers:     result.SentPeers,
		ReceivedPeers: result.ReceivedPeers,
		NewPeers:      result.NewPeers,
	}, nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rpcctl: remove socket: %w", err)
	}
	return nil
}

// DefaultSocketPath picks a writable socket location: the
// OMERTA_MESH_SOCKET override, then /var/run if writable, then
// XDG_RUNTIME_DIR, then /tmp.
func DefaultSocketPath() string {
	if path := os.Getenv("OMERTA_MESH_SOCKET"); path != "" {
		return path
	}
	if isWritable("/var/run") {
		return "/var/run/omerta-mesh.sock"
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "omerta-mesh.sock")
	}
	return "/tmp/omerta-mesh.sock"
}

func isWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	testFile := filepath.Join(path, ".omerta-mesh-test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}

// FormatSocketPath shortens path's home-directory prefix to ~ for
// display in CLI output.
func FormatSocketPath(path string) string {
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}
