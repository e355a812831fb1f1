// Command kvsbgp runs the key/value store that replicates over a BGP
// session, re-purposing IPv6 unicast routes as the wire transport (§1).
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kvsbgp/kvsbgp/internal/api"
	"github.com/kvsbgp/kvsbgp/internal/bgpwire"
	"github.com/kvsbgp/kvsbgp/internal/config"
	"github.com/kvsbgp/kvsbgp/internal/kv"
	"github.com/kvsbgp/kvsbgp/internal/metrics"
	"github.com/kvsbgp/kvsbgp/internal/peering"
	"github.com/kvsbgp/kvsbgp/internal/reassembly"
	"github.com/kvsbgp/kvsbgp/internal/store"
)

func main() {
	configPath, apiAddrOverride, apiPortOverride, bgpAddrOverride, bgpPortOverride, verbosity := parseFlags(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if apiAddrOverride != "" {
		cfg.API.Address = apiAddrOverride
	}
	if apiPortOverride != 0 {
		cfg.API.Port = apiPortOverride
	}
	if bgpAddrOverride != "" {
		cfg.BGP.Address = bgpAddrOverride
	}
	if bgpPortOverride != 0 {
		cfg.BGP.Port = bgpPortOverride
	}

	logger := initLogger(cfg.Service.LogLevel, verbosity)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting kvsbgp",
		zap.String("api_listen", fmt.Sprintf("%s:%d", cfg.API.Address, cfg.API.Port)),
		zap.String("bgp_peer", fmt.Sprintf("%s:%d", cfg.BGP.Address, cfg.BGP.Port)),
	)

	keyCodec := kv.StringCodec{}
	valCodec := kv.StringCodec{}

	st := store.New[string, string](keyCodec, valCodec, logger.Named("store"))
	buf := reassembly.New(time.Duration(cfg.Service.ReassemblyIdleSeconds)*time.Second, logger.Named("reassembly"))

	outbound := make(chan store.Update, 64)

	transport := newUnconfiguredTransport(cfg.BGP.Address, cfg.BGP.Port, bgpwire.AFIIPv6, bgpwire.SAFIUnicast, logger.Named("peering.transport"))

	loop := peering.New[string, string](transport, st, buf, keyCodec, valCodec, outbound, logger.Named("peering.loop"))

	apiServer := api.New[string, string](
		fmt.Sprintf("%s:%d", cfg.API.Address, cfg.API.Port),
		st,
		outbound,
		func(s string) (string, error) { return s, nil },
		func(s string) (string, error) { return s, nil },
		logger.Named("api"),
	)

	if err := apiServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP API", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// RunWithServer joins the sync loop and the HTTP API under one
	// cancellation: a signal cancels ctx, a fatal transport error cancels
	// the errgroup's derived context, and either way the API server is
	// shut down before we wait for the loop to finish unwinding.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	if err := peering.RunWithServer(ctx, loop, apiServer, shutdownTimeout); err != nil {
		logger.Fatal("sync loop exited with error", zap.Error(err))
	}

	logger.Info("kvsbgp stopped")
}

func parseFlags(args []string) (configPath, apiAddr string, apiPort int, bgpAddr string, bgpPort int, verbosity int) {
	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--api-address":
			if i+1 < len(args) {
				apiAddr = args[i+1]
				i++
			}
		case "--api-port":
			if i+1 < len(args) {
				apiPort, _ = strconv.Atoi(args[i+1])
				i++
			}
		case "--bgp-address":
			if i+1 < len(args) {
				bgpAddr = args[i+1]
				i++
			}
		case "--bgp-port":
			if i+1 < len(args) {
				bgpPort, _ = strconv.Atoi(args[i+1])
				i++
			}
		case "-v", "-vv", "-vvv":
			verbosity += len(args[i]) - 1
		default:
			if !strings.HasPrefix(args[i], "-") {
				positional = append(positional, args[i])
			}
		}
	}
	if len(positional) > 0 {
		configPath = positional[0]
	}
	return
}

// initLogger builds the zap logger from the configured level, then
// applies the -v repeat count on top — matching the source CLI's
// verbosity-to-level mapping (0=Info, 1=Debug, 2+=Trace, collapsed onto
// zap's Debug since zap has no Trace level).
func initLogger(level string, verbosity int) *zap.Logger {
	zapLevel := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	}
	if verbosity >= 1 {
		zapLevel = zapcore.DebugLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// newUnconfiguredTransport is a placeholder SessionTransport: the BGP
// session state machine (peer handshake, KEEPALIVE, best-path) is out of
// scope (§1) and is the seam a real speaker implementation plugs in
// behind peering.SessionTransport. It never announces and its inbound
// channel never yields — it exists so kvsbgp links and serves its HTTP
// API standalone, e.g. for local testing of the store/codec without a
// live peer.
type unconfiguredTransport struct {
	inbound chan peering.RouteEvent
	logger  *zap.Logger
}

func newUnconfiguredTransport(addr string, port int, afi uint16, safi uint8, logger *zap.Logger) *unconfiguredTransport {
	logger.Warn("no BGP session transport configured; running with a no-op peer transport",
		zap.String("address", addr), zap.Int("port", port),
	)
	return &unconfiguredTransport{inbound: make(chan peering.RouteEvent), logger: logger}
}

func (t *unconfiguredTransport) Announce(ctx context.Context, prefix, nextHop netip.Addr) error {
	t.logger.Debug("announce (no-op transport)", zap.Stringer("prefix", prefix), zap.Stringer("next_hop", nextHop))
	return nil
}

func (t *unconfiguredTransport) Withdraw(ctx context.Context, prefix, nextHop netip.Addr) error {
	t.logger.Debug("withdraw (no-op transport)", zap.Stringer("prefix", prefix), zap.Stringer("next_hop", nextHop))
	return nil
}

func (t *unconfiguredTransport) Inbound() <-chan peering.RouteEvent {
	return t.inbound
}
