package main

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"

	"github.com/ember-mesh/ember/internal/keystore"
	"github.com/ember-mesh/ember/pkg/crypto"
	"github.com/ember-mesh/ember/pkg/packet"
	"github.com/ember-mesh/ember/pkg/router"
	"github.com/ember-mesh/ember/pkg/service"
	"github.com/ember-mesh/ember/pkg/wstransport"
)

var log = logrus.New()

func initLogger(level string) {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

// EchoService is the demo upper-layer consumer bound at service 100.
const EchoService uint16 = 100

type emberNode struct {
	nodeID    packet.NodeID
	keys      *crypto.KeyPair
	keyStore  *keystore.Memory
	transport *wstransport.Transport
	router    *router.Router
	services  *service.Registry
}

func newEmberNode(dataDir, listenAddr string, maxInbound, maxOutbound int) (*emberNode, error) {
	n := &emberNode{keyStore: keystore.NewMemory()}

	if err := n.initializeIdentity(dataDir); err != nil {
		return nil, fmt.Errorf("failed to initialize identity: %w", err)
	}

	n.transport = wstransport.New(wstransport.Config{
		ListenAddr: listenAddr,
		Self:       n.nodeID,
		Announce:   true,
		Logger:     log,
	})
	if listenAddr != "" {
		if err := n.transport.Listen(); err != nil {
			return nil, fmt.Errorf("failed to start transport: %w", err)
		}
	}

	n.router = router.New(router.Config{
		Self:        n.nodeID,
		Keys:        n.keys,
		KeyStore:    n.keyStore,
		Transport:   n.transport,
		MaxInbound:  maxInbound,
		MaxOutbound: maxOutbound,
		Logger:      log,
	})

	n.services = service.NewRegistry(service.Config{Sender: n.router, Logger: log})
	n.router.SetDispatcher(n.services)

	n.services.Bind(EchoService, service.HandlerFunc(func(p *packet.Packet) *packet.Packet {
		log.Infof("echo request from %s: %q", p.SourceNode, p.Data)
		resp, err := p.Response(packet.FlagAck, p.Data)
		if err != nil {
			return nil
		}
		return resp
	}))

	n.router.OnTopologyChanged(func() {
		log.Debug("topology changed")
	})

	log.Infof("Ember node %s initialized", n.nodeID)
	return n, nil
}

func (n *emberNode) initializeIdentity(dataDir string) error {
	if dataDir == "" {
		dataDir = filepath.Join(os.Getenv("HOME"), ".ember")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	idPath := filepath.Join(dataDir, "node.id")
	pubPath := filepath.Join(dataDir, "public.key")
	privPath := filepath.Join(dataDir, "private.key")

	if _, err := os.Stat(privPath); os.IsNotExist(err) {
		log.Info("Generating new identity")
		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate keys: %w", err)
		}
		n.keys = keys

		// Self-assigned once, never the broadcast sentinel.
		id := packet.NodeID(rand.Uint32())
		for id == packet.Broadcast || id == 0 {
			id = packet.NodeID(rand.Uint32())
		}
		n.nodeID = id

		var idBytes [4]byte
		binary.BigEndian.PutUint32(idBytes[:], uint32(id))
		if err := os.WriteFile(idPath, idBytes[:], 0600); err != nil {
			return fmt.Errorf("failed to persist node id: %w", err)
		}
		if err := os.WriteFile(pubPath, keys.PublicKey, 0600); err != nil {
			return fmt.Errorf("failed to persist public key: %w", err)
		}
		if err := os.WriteFile(privPath, keys.PrivateKey, 0600); err != nil {
			return fmt.Errorf("failed to persist private key: %w", err)
		}
	} else {
		log.Info("Loading existing identity")
		idBytes, err := os.ReadFile(idPath)
		if err != nil || len(idBytes) != 4 {
			return fmt.Errorf("failed to read node id: %w", err)
		}
		pubBytes, err := os.ReadFile(pubPath)
		if err != nil {
			return err
		}
		privBytes, err := os.ReadFile(privPath)
		if err != nil {
			return err
		}
		n.nodeID = packet.NodeID(binary.BigEndian.Uint32(idBytes))
		n.keys = &crypto.KeyPair{
			PublicKey:  ed25519.PublicKey(pubBytes),
			PrivateKey: ed25519.PrivateKey(privBytes),
		}
	}

	n.keyStore.RegisterPublicKey(n.nodeID, n.keys.PublicKey)
	return nil
}

func (n *emberNode) connectPeers(ctx context.Context, peers string) {
	for _, addr := range strings.Split(peers, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := n.router.Table().ConnectOutbound(ctx, addr); err != nil {
			log.Warnf("Failed to connect to %s: %v", addr, err)
		}
	}
}

func (n *emberNode) renderStatus() {
	table := n.router.Table()
	inFree, outFree := table.SlotsAvailable()

	data := pterm.TableData{{"Conn", "State", "Peer", "Routes", "Dir"}}
	for _, e := range table.Entries() {
		peer := "?"
		if id, known := e.NodeID(); known {
			peer = id.String()
		}
		dir := "out"
		if e.Inbound() {
			dir = "in"
		}
		data = append(data, []string{
			e.ID().String()[:8],
			e.State().String(),
			peer,
			fmt.Sprintf("%d", len(e.Routes())),
			dir,
		})
	}

	pterm.DefaultSection.Printf("node %s | reachable %d | slots in/out free %d/%d | ogm backlog %d",
		n.nodeID, len(table.ReachableNodeIDs()), inFree, outFree, n.router.OGM().QueueDepth())
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func (n *emberNode) Shutdown() {
	n.router.Table().Close()
	if err := n.transport.Close(); err != nil {
		log.Errorf("Error stopping transport: %v", err)
	}
}

func main() {
	listenAddr := flag.String("listen", ":7733", "Websocket listen address, empty to disable inbound")
	peers := flag.String("peers", "", "Comma-separated peer URLs, e.g. ws://host:7733/mesh")
	dataDir := flag.String("data", "", "Identity directory (default ~/.ember)")
	maxInbound := flag.Int("max-inbound", 0, "Inbound connection slots (default 3)")
	maxOutbound := flag.Int("max-outbound", 0, "Outbound connection slots (default 3)")
	statusEvery := flag.Duration("status", 30*time.Second, "Status table interval, 0 to disable")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	initLogger(*logLevel)
	log.Infof("Starting Ember node on %s", *listenAddr)

	node, err := newEmberNode(*dataDir, *listenAddr, *maxInbound, *maxOutbound)
	if err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	defer node.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node.router.Start(ctx)
	node.connectPeers(ctx, *peers)

	if *statusEvery > 0 {
		go func() {
			ticker := time.NewTicker(*statusEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					node.renderStatus()
				}
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")
}
