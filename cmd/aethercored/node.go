package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aethercore/aethercore/internal/chain"
	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/config"
	"github.com/aethercore/aethercore/internal/gateway"
	"github.com/aethercore/aethercore/internal/identity"
	"github.com/aethercore/aethercore/internal/p2p"
	"github.com/aethercore/aethercore/internal/store"
	"github.com/aethercore/aethercore/internal/telemetry"
	"github.com/aethercore/aethercore/internal/trust"
	"github.com/aethercore/aethercore/internal/xcrypto"
)

var (
	configPath *string
	configName *string
	envPrefix  *string

	dataDir    *string
	logLevel   *string
	gatewayAddr *string
	identityAddr *string
	p2pAddr    *string

	peerList   *string
	policyList *string
)

func init() {
	configPath = RootCmd.Flags().String("configPath", ".", "Directory to search for the config file")
	configName = RootCmd.Flags().String("configName", "aethercore", "Config file base name (without extension)")
	envPrefix = RootCmd.Flags().String("envPrefix", "AETHERCORE", "Environment variable prefix for config overrides")

	dataDir = RootCmd.Flags().String("dataDir", "", "Data directory (overrides config file)")
	logLevel = RootCmd.Flags().String("logLevel", "", "Logging level, overrides config file (debug, info, warn, error)")
	gatewayAddr = RootCmd.Flags().String("gatewayAddr", "", "Listen address for the command gateway's REST surface (overrides config file's listen_addr)")
	identityAddr = RootCmd.Flags().String("identityAddr", "", "Listen address for the identity registry's REST surface")
	p2pAddr = RootCmd.Flags().String("p2pAddr", "", "Listen address for the node-to-node transport")

	peerList = RootCmd.Flags().String("peers", "", "Comma-separated node_id_hex=host:port peer addresses")
	policyList = RootCmd.Flags().String("policy", "", "Semicolon-separated operator_id_hex:command_type,command_type;... authorization policy")
}

// RootCmd runs a single AetherCore node until it receives SIGTERM.
var RootCmd = &cobra.Command{
	Use:   "aethercored",
	Short: "Run an AetherCore trust-fabric node",
	RunE:  runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.Options{FilePath: *configPath, FileName: *configName, EnvPrefix: *envPrefix})
	if err != nil {
		return fmt.Errorf("aethercored: loading config: %w", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *gatewayAddr != "" {
		cfg.ListenAddr = *gatewayAddr
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.ProductionMode)
	if err != nil {
		return fmt.Errorf("aethercored: constructing logger: %w", err)
	}
	defer logger.Sync()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigterm
		logger.Info("received shutdown signal, exiting")
		rootCancel()
	}()

	custody, err := xcrypto.NewCustody(cfg.ProductionMode)
	if err != nil {
		return fmt.Errorf("aethercored: constructing custody backend: %w", err)
	}
	defer custody.Close()

	selfHandle := xcrypto.NewHandle()
	selfPub, err := custody.GenerateKey(rootCtx, selfHandle, xcrypto.KeyPolicy{Label: "node-identity"})
	if err != nil {
		return fmt.Errorf("aethercored: generating node identity key: %w", err)
	}
	selfNode := xcrypto.NodeIdFromPublicKey(selfPub)
	sign := func(msg []byte) []byte {
		sig, err := custody.Sign(rootCtx, selfHandle, msg)
		if err != nil {
			logger.Fatal("custody refused to sign", zap.Error(err))
		}
		return sig[:]
	}
	logger.Info("node identity established", zap.String("node_id", selfNode.Hex()))

	identityStore, err := store.Open(filepath.Join(cfg.DataDir, "identity"), logger.Named("identity_store"))
	if err != nil {
		return fmt.Errorf("aethercored: opening identity store: %w", err)
	}
	defer identityStore.Close()

	chainStore, err := store.Open(filepath.Join(cfg.DataDir, "chain"), logger.Named("chain_store"))
	if err != nil {
		return fmt.Errorf("aethercored: opening chain store: %w", err)
	}
	defer chainStore.Close()

	auditStore, err := store.Open(filepath.Join(cfg.DataDir, "audit"), logger.Named("audit_store"))
	if err != nil {
		return fmt.Errorf("aethercored: opening audit store: %w", err)
	}
	defer auditStore.Close()

	offlineStore, err := store.Open(filepath.Join(cfg.DataDir, "offline"), logger.Named("offline_store"))
	if err != nil {
		return fmt.Errorf("aethercored: opening offline buffer store: %w", err)
	}
	defer offlineStore.Close()

	registry := identity.NewRegistry(identityStore, logger.Named("identity"), cfg, identity.NewPCRQuoteVerifier())

	mesh := trust.NewMesh(logger.Named("trust"), scoringConfigFrom(cfg), 256)

	vine := chain.New(chainStore, logger.Named("chain"), registry, cfg.RetentionHorizon(), 1024)

	peers, err := parsePeerList(*peerList)
	if err != nil {
		return fmt.Errorf("aethercored: parsing --peers: %w", err)
	}
	policy, err := parsePolicyList(*policyList)
	if err != nil {
		return fmt.Errorf("aethercored: parsing --policy: %w", err)
	}
	book := p2p.NewPeerBook(peers)

	lookupPub := func(id common.NodeId) (ed25519.PublicKey, bool) {
		pub, err := registry.GetPublicKey(id)
		if err != nil {
			return nil, false
		}
		return pub, true
	}
	p2pServer := p2p.NewServer(logger.Named("p2p"), lookupPub)
	p2pListenAddr := *p2pAddr
	if p2pListenAddr == "" {
		p2pListenAddr = offsetPort(cfg.ListenAddr, 2)
	}
	if err := p2pServer.Listen(rootCtx, p2pListenAddr); err != nil {
		return fmt.Errorf("aethercored: starting p2p listener: %w", err)
	}

	gossipTransport := p2p.NewGossipTransport(book, selfNode, sign, p2pServer.GossipInbox(), logger.Named("gossip_transport"))
	defer gossipTransport.Close()
	commandLink := p2p.NewCommandLink(book, selfNode, sign, logger.Named("command_link"))
	defer commandLink.Close()

	gossiper, err := trust.NewGossiper(mesh, gossipTransport, meshPeerLookup{mesh: mesh, registry: registry}, logger.Named("gossip"), selfNode, sign, cfg.GossipFanout, cfg.GossipTTLDuration())
	if err != nil {
		return fmt.Errorf("aethercored: constructing gossiper: %w", err)
	}

	offlineBuffer := gateway.NewOfflineBuffer(offlineStore, logger.Named("offline_buffer"), cfg.OfflineBufferCapacity)
	policyTable := gateway.NewStaticPolicyTable(policy)
	gw := gateway.New(registry, mesh, policyTable, commandLink, offlineBuffer, vine, auditStore, selfNode, sign, logger.Named("gateway"))

	identityAddrResolved := *identityAddr
	if identityAddrResolved == "" {
		identityAddrResolved = offsetPort(cfg.ListenAddr, 1)
	}

	group, groupCtx := errgroup.WithContext(rootCtx)

	group.Go(func() error {
		return serveHTTP(groupCtx, logger.Named("gateway_http"), gw.Router(), cfg.ListenAddr)
	})
	group.Go(func() error {
		return serveHTTP(groupCtx, logger.Named("identity_http"), registry.Router(), identityAddrResolved)
	})
	group.Go(func() error {
		mesh.RunObservationConsumer(groupCtx, vine.Observations())
		return nil
	})
	group.Go(func() error {
		drainQuarantineEvents(groupCtx, mesh.QuarantineEvents(), vine)
		return nil
	})
	group.Go(func() error {
		gossiper.Run(groupCtx, cfg.GossipInterval())
		return nil
	})
	group.Go(func() error {
		vine.RunRetentionSweep(groupCtx, time.Hour)
		return nil
	})
	group.Go(func() error {
		drainCommandInbox(groupCtx, logger.Named("command_inbox"), p2pServer.CommandInbox(), gw)
		return nil
	})

	if err := group.Wait(); err != nil && groupCtx.Err() == nil {
		logger.Error("a background component exited with an error", zap.Error(err))
		return err
	}
	logger.Info("shut down cleanly")
	return nil
}

func serveHTTP(ctx context.Context, logger *zap.Logger, handler http.Handler, addr string) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", zap.Error(err))
			return err
		}
		return nil
	}
}

func drainCommandInbox(ctx context.Context, logger *zap.Logger, inbox <-chan gateway.Command, gw *gateway.Gateway) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-inbox:
			if !ok {
				return
			}
			if _, err := gw.Dispatch(ctx, cmd); err != nil {
				logger.Warn("inbound relayed command rejected", zap.String("target", cmd.TargetNodeID.Hex()), zap.Error(err))
			}
		}
	}
}

// drainQuarantineEvents feeds the trust mesh's quarantine transitions
// into the integrity chain, which refuses further events from a
// quarantined subject until the mesh reports its classification has
// recovered.
func drainQuarantineEvents(ctx context.Context, events <-chan trust.QuarantineEvent, vine *chain.Vine) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			vine.SetQuarantine(evt.Subject, evt.Quarantined)
		}
	}
}

func scoringConfigFrom(cfg config.Config) trust.ScoringConfig {
	return trust.ScoringConfig{
		Alpha:               cfg.TrustAlpha,
		BetaSignatureFail:   cfg.TrustBetaSignatureFail,
		BetaChainBreak:      cfg.TrustBetaChainBreak,
		BetaEquivocation:    cfg.TrustBetaEquivocation,
		Gamma:               cfg.TrustGamma,
		QuarantineThreshold: cfg.TrustQuarantineThreshold,
		SuspectThreshold:    cfg.TrustSuspectThreshold,
		HealthyThreshold:    cfg.TrustHealthyThreshold,
		Cooldown:            cfg.TrustCooldown(),
		StaleWindow:         cfg.TrustStaleWindow(),
		BaselineEnrolled:    cfg.TrustBaselineEnrolled,
		BaselineUnknown:     cfg.TrustBaselineUnknown,
	}
}

// meshPeerLookup adapts the trust mesh and identity registry into the
// gossiper's PeerTrustLookup: the mesh knows every subject's score, the
// registry knows every subject's public key, and neither alone
// satisfies the interface.
type meshPeerLookup struct {
	mesh     *trust.Mesh
	registry *identity.Registry
}

func (l meshPeerLookup) TrustOf(node common.NodeId) float64 {
	return l.mesh.Score(node).Score
}

func (l meshPeerLookup) PublicKeyOf(node common.NodeId) (ed25519.PublicKey, bool) {
	pub, err := l.registry.GetPublicKey(node)
	if err != nil {
		return nil, false
	}
	return pub, true
}

// offsetPort derives a sibling listen address by shifting addr's port
// by delta, so the gateway's REST surface, the identity registry's
// REST surface, and the p2p listener each get a distinct default port
// from a single configured listen_addr.
func offsetPort(addr string, delta int) string {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port+delta))
}

func parsePeerList(raw string) (map[common.NodeId]string, error) {
	out := make(map[common.NodeId]string)
	if raw == "" {
		return out, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q, expected node_id_hex=host:port", entry)
		}
		digest, err := common.DigestFromHex(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed peer node_id %q: %w", parts[0], err)
		}
		out[common.NodeId(digest)] = parts[1]
	}
	return out, nil
}

func parsePolicyList(raw string) (map[common.NodeId][]string, error) {
	out := make(map[common.NodeId][]string)
	if raw == "" {
		return out, nil
	}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed policy entry %q, expected operator_id_hex:command_type,command_type", entry)
		}
		digest, err := common.DigestFromHex(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed policy operator_id %q: %w", parts[0], err)
		}
		types := strings.Split(parts[1], ",")
		out[common.NodeId(digest)] = types
	}
	return out, nil
}
