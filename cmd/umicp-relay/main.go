package main

import (
	"crypto/rand"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/websocket"

	"github.com/umicp/umicp-go/pkg/compress"
	"github.com/umicp/umicp-go/pkg/protocol"
	"github.com/umicp/umicp-go/pkg/security"
	"github.com/umicp/umicp-go/pkg/transport"
	"github.com/umicp/umicp-go/pkg/umicp"
)

const (
	defaultPort   = 8080
	defaultPath   = "/umicp"
	defaultNodeID = "umicp-relay"
)

var (
	port       = flag.Int("port", defaultPort, "WebSocket port to listen on")
	path       = flag.String("path", defaultPath, "WebSocket endpoint path")
	nodeID     = flag.String("id", defaultNodeID, "Local node identifier")
	certFile   = flag.String("cert", "", "TLS certificate file (enables QUIC listener)")
	keyFile    = flag.String("key", "", "TLS key file")
	quicPort   = flag.Int("quic-port", 0, "QUIC port to listen on (0 disables)")
	configPath = flag.String("config", "", "Optional TOML config file")
)

// nodeConfig mirrors the flags for file-based configuration.
type nodeConfig struct {
	Port           int    `toml:"port"`
	Path           string `toml:"path"`
	NodeID         string `toml:"node_id"`
	CertFile       string `toml:"cert_file"`
	KeyFile        string `toml:"key_file"`
	QUICPort       int    `toml:"quic_port"`
	MaxMessageSize int    `toml:"max_message_size"`
}

func main() {
	flag.Parse()

	printBanner()

	cfg := nodeConfig{
		Port:     *port,
		Path:     *path,
		NodeID:   *nodeID,
		CertFile: *certFile,
		KeyFile:  *keyFile,
		QUICPort: *quicPort,
	}

	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		log.Printf("✓ Config loaded from %s", *configPath)
	}

	// One seed is the node identity; every accepted connection derives
	// its own manager from it so sessions stay isolated per peer.
	seed := make([]byte, security.PrivateKeySize)
	if _, err := rand.Read(seed); err != nil {
		log.Fatalf("Failed to generate node seed: %v", err)
	}
	keys := security.NewManager(cfg.NodeID)
	if err := keys.LoadPrivateKey(seed); err != nil {
		log.Fatalf("Failed to derive node keys: %v", err)
	}
	log.Printf("✓ Node key fingerprint: %s", security.KeyFingerprint(keys.PublicKey()))

	upgrader := websocket.Upgrader{
		ReadBufferSize:  protocol.DefaultBufferSize,
		WriteBufferSize: protocol.DefaultBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("⚠️  Upgrade failed for %s: %v", r.RemoteAddr, err)
			return
		}

		log.Printf("Peer connected: %s", conn.RemoteAddr())
		t := transport.NewWebSocketConn(conn)
		servePeer(cfg, seed, t)
		t.Start()
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("WebSocket listener failed: %v", err)
		}
	}()
	log.Printf("✓ WebSocket listener on :%d%s", cfg.Port, cfg.Path)

	if cfg.QUICPort > 0 {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			log.Fatal("Error: -cert and -key are required for the QUIC listener")
		}
		go serveQUIC(cfg, seed)
		log.Printf("✓ QUIC listener on :%d", cfg.QUICPort)
	}

	waitForShutdown(server)
}

// servePeer wires one accepted connection into its own orchestrator.
// CONTROL pings are answered with pongs, DATA frames are acknowledged.
// The caller starts the transport after this returns, so no message
// arrives before the engine is wired.
func servePeer(cfg nodeConfig, seed []byte, t transport.Transport) {
	eng := umicp.New(cfg.NodeID)

	engCfg := umicp.DefaultConfig()
	if cfg.MaxMessageSize > 0 {
		engCfg.MaxMessageSize = cfg.MaxMessageSize
	}
	if err := eng.Configure(engCfg); err != nil {
		log.Printf("⚠️  Engine configuration failed: %v", err)
		return
	}

	keys := security.NewManager(cfg.NodeID)
	if err := keys.LoadPrivateKey(seed); err != nil {
		log.Printf("⚠️  Key derivation failed: %v", err)
		return
	}
	if err := eng.SetSecurityManager(keys); err != nil {
		log.Printf("⚠️  Security setup failed: %v", err)
		return
	}

	if err := eng.SetCompressionManager(compress.NewManager(compress.Gzip)); err != nil {
		log.Printf("⚠️  Compression setup failed: %v", err)
		return
	}

	eng.RegisterHandler(protocol.OpControl, umicp.HandlerFunc(func(env *protocol.Envelope, _ []byte) {
		command := env.Capabilities["command"]
		log.Printf("CONTROL from %s: %s", env.From, command)

		if command == "ping" {
			if _, err := eng.SendControl(env.From, protocol.OpControl, "pong", nil); err != nil {
				log.Printf("⚠️  Pong to %s failed: %v", env.From, err)
			}
		}
	}))

	eng.RegisterHandler(protocol.OpData, umicp.HandlerFunc(func(env *protocol.Envelope, payload []byte) {
		log.Printf("DATA %s: %d bytes", env.MsgID, len(payload))

		// Frames carry no sender id; the connection has exactly one
		// peer, so acks go back on it regardless of the address.
		to := env.From
		if to == "" {
			to = "peer"
		}
		if _, err := eng.SendAck(to, env.MsgID); err != nil {
			log.Printf("⚠️  Ack for %s failed: %v", env.MsgID, err)
		}
	}))

	eng.RegisterHandler(protocol.OpError, umicp.HandlerFunc(func(env *protocol.Envelope, _ []byte) {
		for _, ref := range env.PayloadRefs {
			log.Printf("⚠️  ERROR from %s: %s", env.From, ref["error_message"])
		}
	}))

	// SetTransport wires the callbacks; the accepted connection needs
	// no Connect call, only the caller's Start.
	if err := eng.SetTransport(t); err != nil {
		log.Printf("⚠️  Transport setup failed: %v", err)
	}
}

func serveQUIC(cfg nodeConfig, seed []byte) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		log.Fatalf("Failed to load QUIC certificate: %v", err)
	}

	ln, err := transport.ListenQUIC(fmt.Sprintf(":%d", cfg.QUICPort), cert)
	if err != nil {
		log.Fatalf("QUIC listener failed: %v", err)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("⚠️  QUIC accept failed: %v", err)
			return
		}

		log.Printf("QUIC peer connected: %s", conn.RemoteAddr())
		t := transport.NewQUICConn(conn)
		servePeer(cfg, seed, t)
		t.Start()
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              UMICP Relay Node v1.0                ║")
	fmt.Println("║   Universal Matrix Intelligent Communication      ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func waitForShutdown(server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	if err := server.Close(); err != nil {
		log.Printf("⚠️  Listener close failed: %v", err)
	}
	log.Println("✓ Relay stopped")
}
