package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/umicp/umicp-go/pkg/compress"
	"github.com/umicp/umicp-go/pkg/protocol"
	"github.com/umicp/umicp-go/pkg/security"
	"github.com/umicp/umicp-go/pkg/transport"
	"github.com/umicp/umicp-go/pkg/umicp"
)

var (
	host      = flag.String("host", "localhost", "Relay host")
	port      = flag.Int("port", 8080, "Relay port")
	path      = flag.String("path", "/umicp", "Relay endpoint path")
	useQUIC   = flag.Bool("quic", false, "Use the multiplexed QUIC transport")
	nodeID    = flag.String("id", "umicp-ping", "Local node identifier")
	relayID   = flag.String("relay-id", "umicp-relay", "Relay node identifier")
	vectorLen = flag.Int("vector", 256, "Number of float32 elements to send")
	wait      = flag.Duration("wait", 2*time.Second, "How long to wait for replies")
)

func main() {
	flag.Parse()

	cfg := transport.Config{Host: *host, Port: *port, Path: *path}

	var t transport.Transport
	if *useQUIC {
		t = transport.NewQUIC(cfg)
	} else {
		t = transport.NewWebSocket(cfg)
	}

	eng := umicp.New(*nodeID)
	if err := eng.SetCompressionManager(compress.NewManager(compress.Gzip)); err != nil {
		log.Fatalf("Compression setup failed: %v", err)
	}

	done := make(chan struct{}, 2)

	eng.RegisterHandler(protocol.OpControl, umicp.HandlerFunc(func(env *protocol.Envelope, _ []byte) {
		log.Printf("✓ Reply from %s: %s", env.From, env.Capabilities["command"])
		done <- struct{}{}
	}))

	eng.RegisterHandler(protocol.OpAck, umicp.HandlerFunc(func(env *protocol.Envelope, _ []byte) {
		for _, ref := range env.PayloadRefs {
			log.Printf("✓ Ack for %s", ref["message_id"])
		}
		done <- struct{}{}
	}))

	if err := eng.SetTransport(t); err != nil {
		log.Fatalf("Transport setup failed: %v", err)
	}

	if err := eng.Connect(); err != nil {
		log.Fatalf("Connect to %s failed: %v", t.Endpoint(), err)
	}
	log.Printf("✓ Connected to %s", t.Endpoint())

	if _, err := eng.SendControl(*relayID, protocol.OpControl, "ping", nil); err != nil {
		log.Fatalf("Ping failed: %v", err)
	}

	payload := vectorPayload(*vectorLen)
	checksum, err := security.ChecksumString(payload)
	if err != nil {
		log.Fatalf("Checksum failed: %v", err)
	}

	hint := &protocol.PayloadHint{
		Type:     protocol.PayloadVector,
		Size:     uint64(len(payload)),
		Encoding: protocol.EncodingFloat32,
		Count:    uint64(*vectorLen),
	}
	msgID, err := eng.SendData(*relayID, payload, hint)
	if err != nil {
		log.Fatalf("Data send failed: %v", err)
	}
	log.Printf("Sent %d-element vector as %s (blake2b %s)", *vectorLen, msgID, checksum[:16])

	deadline := time.After(*wait)
waitLoop:
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-deadline:
			log.Println("⚠️  Timed out waiting for replies")
			break waitLoop
		}
	}

	printStats(eng.Stats(), t.Stats())

	if err := eng.Disconnect(); err != nil {
		log.Fatalf("Disconnect failed: %v", err)
	}
}

// vectorPayload builds a little-endian float32 vector payload.
func vectorPayload(n int) []byte {
	buf := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(i)*0.5))
	}
	return buf
}

func printStats(eng umicp.Stats, tr transport.Stats) {
	fmt.Println()
	fmt.Println("Engine stats:")
	fmt.Printf("  sent:     %d messages, %d bytes\n", eng.MessagesSent, eng.BytesSent)
	fmt.Printf("  received: %d messages, %d bytes\n", eng.MessagesReceived, eng.BytesReceived)
	fmt.Printf("  errors:   %d\n", eng.Errors)
	fmt.Println("Transport stats:")
	fmt.Printf("  sent:     %d messages, %d bytes\n", tr.MessagesSent, tr.BytesSent)
	fmt.Printf("  received: %d messages, %d bytes\n", tr.MessagesReceived, tr.BytesReceived)
	fmt.Printf("  errors:   %d\n", tr.Errors)
}
