// meshd is the embedded host's standalone daemon form: it loads or
// generates a node identity, joins a network from a shared secret, and
// serves a local control socket for introspection.
//
// Usage:
//
//	meshd -secret omerta://v1/... -rendezvous wss://rendezvous.example:8443/ws
//	meshd -identity /var/lib/omerta-mesh/identity.key -listen :51820
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/omerta-mesh/meshnode/pkg/identity"
	"github.com/omerta-mesh/meshnode/pkg/meshnode"
	"github.com/omerta-mesh/meshnode/pkg/netconf"
	"github.com/omerta-mesh/meshnode/pkg/obs"
	"github.com/omerta-mesh/meshnode/pkg/rpcctl"
)

var version = "dev"

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	identityPath := flag.String("identity", "", "path to this node's identity file (generated on first run if empty or missing)")
	secret := flag.String("secret", "", "network shared secret (omerta://v1/... or raw); prompted on stdin if empty")
	listenAddr := flag.String("listen", ":51820", "UDP address to bind for mesh traffic")
	rendezvousURL := flag.String("rendezvous", "", "rendezvous server WebSocket URL, e.g. wss://host:8443/ws")
	relayAddr := flag.String("relay", "", "fallback relay server address")
	socketPath := flag.String("socket", "", "control socket path (defaults per rpcctl.DefaultSocketPath)")
	enableDHT := flag.Bool("dht", false, "join the BitTorrent DHT as a supplemental discovery mechanism")

	var bootstrapPeers, rendezvousAddrs stringList
	flag.Var(&bootstrapPeers, "bootstrap-peer", "static bootstrap peer endpoint (repeatable)")
	flag.Var(&rendezvousAddrs, "rendezvous-addr", "additional rendezvous server address (repeatable)")
	flag.Parse()

	log := slog.Default()

	otelShutdown, err := obs.Init(context.Background(), "meshd", version)
	if err != nil {
		log.Warn("telemetry setup failed, continuing without it", "error", err)
		otelShutdown = func(context.Context) error { return nil }
	}

	kp, err := loadOrGenerateIdentity(*identityPath, log)
	if err != nil {
		log.Error("identity", "error", err)
		os.Exit(1)
	}

	secretValue := *secret
	if secretValue == "" {
		secretValue, err = readSecretFromTerminal()
		if err != nil {
			log.Error("read network secret", "error", err)
			os.Exit(1)
		}
	}
	bundle, err := netconf.NewBundle(secretValue, bootstrapPeers, rendezvousAddrs)
	if err != nil {
		log.Error("network bundle", "error", err)
		os.Exit(1)
	}

	mesh, err := meshnode.New(meshnode.Config{
		Identity:           kp,
		Bundle:             bundle,
		ListenAddr:         *listenAddr,
		RendezvousURL:      *rendezvousURL,
		RelayAddr:          *relayAddr,
		EnableDHTBootstrap: *enableDHT,
		Log:                log,
	})
	if err != nil {
		log.Error("construct mesh", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mesh.Start(ctx); err != nil {
		log.Error("start mesh", "error", err)
		os.Exit(1)
	}

	sock := *socketPath
	if sock == "" {
		sock = rpcctl.DefaultSocketPath()
	}
	rpcServer, err := rpcctl.NewServer(rpcctl.ServerConfig{SocketPath: sock, Version: version, Mesh: mesh, Log: log})
	if err != nil {
		log.Error("construct control socket", "error", err)
		os.Exit(1)
	}
	if err := rpcServer.Start(); err != nil {
		log.Error("start control socket", "error", err)
		os.Exit(1)
	}

	status := mesh.GetStatus()
	log.Info("meshd started", "peer_id", status.PeerID, "socket", rpcctl.FormatSocketPath(sock))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	log.Info("shutdown: stopping control socket")
	if err := rpcServer.Stop(); err != nil {
		log.Warn("control socket shutdown", "error", err)
	}

	log.Info("shutdown: stopping mesh")
	mesh.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := otelShutdown(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown", "error", err)
	}

	log.Info("shutdown: complete")
}

func loadOrGenerateIdentity(path string, log *slog.Logger) (*identity.KeyPair, error) {
	if path == "" {
		log.Warn("no -identity path given, generating an ephemeral identity for this run only")
		return identity.Generate()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var seed [32]byte
		if len(data) != len(seed) {
			return nil, fmt.Errorf("identity file %s: expected %d bytes, got %d", path, len(seed), len(data))
		}
		copy(seed[:], data)
		return identity.FromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	kp, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, kp.Private[:], 0o600); err != nil {
		return nil, fmt.Errorf("write identity file %s: %w", path, err)
	}
	log.Info("generated new identity", "path", path, "peer_id", kp.Public.String())
	return kp, nil
}

func readSecretFromTerminal() (string, error) {
	fmt.Fprint(os.Stderr, "network secret: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
