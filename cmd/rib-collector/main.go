package main

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/route-beacon/rib-collector/internal/archive"
	"github.com/route-beacon/rib-collector/internal/bgppeer"
	"github.com/route-beacon/rib-collector/internal/bmppeer"
	"github.com/route-beacon/rib-collector/internal/config"
	"github.com/route-beacon/rib-collector/internal/httpapi"
	"github.com/route-beacon/rib-collector/internal/ingest"
	"github.com/route-beacon/rib-collector/internal/kafkabmp"
	"github.com/route-beacon/rib-collector/internal/metrics"
	"github.com/route-beacon/rib-collector/internal/rib"
	"github.com/route-beacon/rib-collector/internal/ribtable"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/snapshot"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
	"github.com/route-beacon/rib-collector/internal/wire/bmp"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rib-collector <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the collector service")
	fmt.Println("  migrate       Run audit-sink database migrations")
	fmt.Println("  maintenance   Run audit-sink partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
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

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// historyMode maps the config's "every"/"differ" string onto the RIB
// table's own enum, already validated by config.Validate.
func historyMode(s string) ribtable.HistoryMode {
	if s == "every" {
		return ribtable.EveryUpdate
	}
	return ribtable.OnlyDiffer
}

// capAFISAFIs maps one recognized cap token onto the (AFI, SAFI) pair it
// advertises or accepts. asn32 is a session-wide capability with no
// AFI/SAFI of its own (EncodeOpen always sends CapAS4 regardless), and
// addpath is handled by the caller as "mirror the regular set".
var capAFISAFIs = map[string]bgp.AFISAFI{
	"ipv4u":   {AFI: bgp.AFIIPv4, SAFI: bgp.SAFIUnicast},
	"ipv4lu":  {AFI: bgp.AFIIPv4, SAFI: bgp.SAFIMPLSLabel},
	"vpnv4u":  {AFI: bgp.AFIIPv4, SAFI: bgp.SAFIMPLSVPN},
	"vpnv4m":  {AFI: bgp.AFIIPv4, SAFI: bgp.SAFIMPLSVPNMcast},
	"ipv4mdt": {AFI: bgp.AFIIPv4, SAFI: bgp.SAFIMDT},
	"mvpn":    {AFI: bgp.AFIIPv4, SAFI: bgp.SAFIMVPN},
	"vpls":    {AFI: bgp.AFIL2VPN, SAFI: bgp.SAFIVPLS},
	"evpn":    {AFI: bgp.AFIL2VPN, SAFI: bgp.SAFIEVPN},
	"ipv6u":   {AFI: bgp.AFIIPv6, SAFI: bgp.SAFIUnicast},
	"ipv6lu":  {AFI: bgp.AFIIPv6, SAFI: bgp.SAFIMPLSLabel},
	"vpnv6u":  {AFI: bgp.AFIIPv6, SAFI: bgp.SAFIMPLSVPN},
	"vpnv6m":  {AFI: bgp.AFIIPv6, SAFI: bgp.SAFIMPLSVPNMcast},
	"ipv6mdt": {AFI: bgp.AFIIPv6, SAFI: bgp.SAFIMDT},
}

// capsToAFISAFI expands caps (already validated by config.PeerConfig.CapSet)
// into the regular and add-path AFI/SAFI lists a bgppeer.Config's own OPEN
// negotiates. addpath enables add-path for every regular entry rather than
// naming its own AFI/SAFI subset, matching how operators reason about it:
// "turn add-path on for what I already advertise".
func capsToAFISAFI(caps []string) (afisafis, addPathAFISAFIs []bgp.AFISAFI) {
	wantAddPath := false
	for _, c := range caps {
		switch c {
		case "asn32":
		case "addpath":
			wantAddPath = true
		default:
			if af, ok := capAFISAFIs[c]; ok {
				afisafis = append(afisafis, af)
			}
		}
	}
	if wantAddPath {
		addPathAFISAFIs = append(addPathAFISAFIs, afisafis...)
	}
	return afisafis, addPathAFISAFIs
}

// parseAddrPort parses pc.Peer, falling back to pc's default well-known
// port when the configured address carries none.
func parseAddrPort(pc config.PeerConfig) (netip.AddrPort, error) {
	if pc.Peer == "" {
		return netip.AddrPort{}, nil
	}
	if ap, err := netip.ParseAddrPort(pc.Peer); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(pc.Peer)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("peer %s: invalid address %q: %w", pc.Name, pc.Peer, err)
	}
	return netip.AddrPortFrom(addr, uint16(pc.DefaultPort())), nil
}

// peerAdapter is the common surface cmd wiring needs from either a
// bgppeer.Peer or a bmppeer.Peer: run it under a context until cancelled.
type peerAdapter struct {
	run func(ctx context.Context)
}

func buildPeers(cfg *config.Config, registry *session.Registry, out chan<- ingest.Message, logger *zap.Logger) ([]peerAdapter, error) {
	adapters := make([]peerAdapter, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		addr, err := parseAddrPort(pc)
		if err != nil {
			return nil, err
		}

		caps, err := pc.CapSet()
		if err != nil {
			return nil, err
		}

		switch pc.Mode {
		case config.ModeBGPActive, config.ModeBGPPassive:
			routerID, err := pc.RouterIDAddr()
			if err != nil {
				return nil, err
			}
			afisafis, addPathAFISAFIs := capsToAFISAFI(caps)
			mode := bgppeer.Active
			if pc.Mode == config.ModeBGPPassive {
				mode = bgppeer.Passive
			}
			p := bgppeer.New(bgppeer.Config{
				Name:            pc.Name,
				Mode:            mode,
				Peer:            addr,
				Listen:          pc.ProtoListen,
				RouterID:        routerID,
				ASN:             pc.PeerAS,
				AFISAFIs:        afisafis,
				AddPathAFISAFIs: addPathAFISAFIs,
			}, registry, out, logger.Named("bgppeer."+pc.Name))
			adapters = append(adapters, peerAdapter{run: p.Run})

		case config.ModeBMPActive, config.ModeBMPPassive:
			var filterRD *bmp.RouteDistinguisher
			if pc.FilterRD != "" {
				rd, err := bmp.ParseRouteDistinguisher(pc.FilterRD)
				if err != nil {
					return nil, fmt.Errorf("peer %s: filter_rd: %w", pc.Name, err)
				}
				filterRD = &rd
			}
			mode := bmppeer.Active
			if pc.Mode == config.ModeBMPPassive {
				mode = bmppeer.Passive
			}
			p := bmppeer.New(bmppeer.Config{
				Name:     pc.Name,
				Mode:     mode,
				Peer:     addr,
				Listen:   pc.ProtoListen,
				FilterRD: filterRD,
			}, registry, out, logger.Named("bmppeer."+pc.Name))
			adapters = append(adapters, peerAdapter{run: p.Run})
		}
	}
	return adapters, nil
}

// reconcileRouterMeta periodically matches every registered session's
// locally-sent OPEN BGP Identifier against the configured router_id keys
// and attaches the operator-supplied name/location once it's known. The
// BGP Identifier is used rather than the session's transport address (for
// a BMP-sourced session that address is the monitored peer's, not the BMP
// speaker's, an unreliable router identity).
func reconcileRouterMeta(ctx context.Context, registry *session.Registry, routers map[string]config.RouterMeta, logger *zap.Logger) {
	if len(routers) == 0 {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	reconcileOnce := func() {
		for id, desc := range registry.List() {
			if desc.Meta.Name != "" {
				continue
			}
			if !desc.Local.Open.BGPIdentifier.IsValid() {
				continue
			}
			meta, ok := routers[desc.Local.Open.BGPIdentifier.String()]
			if !ok {
				continue
			}
			registry.SetMeta(id, session.RouterMeta{Name: meta.Name, Location: meta.Location})
			logger.Info("router metadata attached",
				zap.Uint32("session", uint32(id)),
				zap.String("router_id", desc.Local.Open.BGPIdentifier.String()),
				zap.String("name", meta.Name),
			)
		}
	}

	reconcileOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileOnce()
		}
	}
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting rib-collector",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	// ctx governs the RIB writer (ingest actor, GC, archive forwarder,
	// router-metadata reconciliation); peerCtx governs everything that
	// feeds the ingest channel (peer adapters, the optional Kafka-BMP
	// pipeline). Shutdown cancels peerCtx and closes the channel first so
	// the actor drains every in-flight message before ctx itself is
	// cancelled and the final snapshot runs.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peerCtx, peerCancel := context.WithCancel(ctx)
	defer peerCancel()

	purgeEvery, err := time.ParseDuration(orDefault(cfg.RIB.PurgeEvery, "1m"))
	if err != nil {
		logger.Fatal("invalid rib.purge_every", zap.Error(err))
	}
	snapshotEvery, err := time.ParseDuration(orDefault(cfg.RIB.SnapshotEvery, "5m"))
	if err != nil {
		logger.Fatal("invalid rib.snapshot_every", zap.Error(err))
	}

	r := rib.New(rib.Config{
		HistoryMode:         historyMode(cfg.RIB.HistoryMode),
		HistoryDepth:        cfg.RIB.HistoryDepth,
		TimeBucketSecs:      cfg.RIB.TimeBucketSeconds,
		PurgeAfterWithdraws: uint64(cfg.RIB.PurgeAfterWithdraws),
		PurgeEvery:          purgeEvery,
		SnapshotEvery:       snapshotEvery,
	})

	if cfg.RIB.SnapshotFile != "" {
		if err := snapshot.Load(cfg.RIB.SnapshotFile, r); err != nil {
			logger.Fatal("failed to load snapshot", zap.Error(err))
		}
		logger.Info("snapshot loaded", zap.String("path", cfg.RIB.SnapshotFile))
	}

	registry := session.NewRegistry()

	in := make(chan ingest.Message, cfg.Ingest.ChannelBufferSize)

	peers, err := buildPeers(cfg, registry, in, logger)
	if err != nil {
		logger.Fatal("failed to build configured peers", zap.Error(err))
	}

	var wg sync.WaitGroup
	var peerWg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		peerWg.Add(1)
		go func(p peerAdapter) {
			defer wg.Done()
			defer peerWg.Done()
			p.run(peerCtx)
		}(p)
	}

	// --- Optional Kafka-relayed BMP ingest ---
	var kafkaConsumer *kafkabmp.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build kafka TLS config", zap.Error(err))
		}
		saslMech := cfg.Kafka.BuildSASLMechanism()

		kafkaConsumer, err = kafkabmp.NewConsumer(
			cfg.Kafka.Brokers, cfg.Kafka.BMP.GroupID, cfg.Kafka.BMP.Topics,
			cfg.Kafka.ClientID, cfg.Kafka.FetchMaxBytes, tlsCfg, saslMech, logger.Named("kafka.bmp"),
		)
		if err != nil {
			logger.Fatal("failed to create kafka bmp consumer", zap.Error(err))
		}
		defer kafkaConsumer.Close()

		pipeline := kafkabmp.NewPipeline(registry, in, cfg.Ingest.MaxPayloadBytes, logger.Named("kafka.pipeline"))

		records := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
		flushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)

		wg.Add(2)
		peerWg.Add(2)
		go func() { defer wg.Done(); defer peerWg.Done(); kafkaConsumer.Run(peerCtx, records, flushed) }()
		go func() {
			defer wg.Done()
			defer peerWg.Done()
			pipeline.Run(peerCtx, records, flushed)
		}()

		logger.Info("kafka bmp pipeline started",
			zap.Strings("topics", cfg.Kafka.BMP.Topics),
			zap.String("group_id", cfg.Kafka.BMP.GroupID),
		)
	}

	// --- Ingest actor and GC ---
	var actorWg sync.WaitGroup
	actor := ingest.NewActor(r, in, logger.Named("ingest"))
	// GC wakes every 10 s; NeedsPurge and NeedsSnapshot decide whether a
	// wakeup does any work.
	gcInterval := 10 * time.Second
	gc := ingest.NewGC(r, gcInterval, logger.Named("gc"))
	gc.OnPurged = func() {
		if cfg.RIB.SnapshotFile == "" || !r.NeedsSnapshot() {
			return
		}
		if err := snapshot.Store(cfg.RIB.SnapshotFile, r, logger.Named("snapshot")); err != nil {
			logger.Error("snapshot store failed", zap.Error(err))
			return
		}
		r.MarkSnapshotted()
		logger.Info("snapshot stored", zap.String("path", cfg.RIB.SnapshotFile))
	}

	wg.Add(1)
	actorWg.Add(1)
	go func() { defer wg.Done(); defer actorWg.Done(); actor.Run(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); gc.Run(ctx) }()

	// --- Optional Postgres audit sink ---
	var archiveChecker httpapi.ArchiveChecker
	if cfg.Postgres.DSN != "" {
		pool, err := archive.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to archive database", zap.Error(err))
		}
		defer pool.Close()
		archiveChecker = pool

		pm := archive.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("archive.partitions"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create audit partitions on startup", zap.Error(err))
		}

		writer := archive.NewWriter(pool, logger.Named("archive.writer"))
		wg.Add(1)
		go func() { defer wg.Done(); runArchiveForwarder(ctx, r, writer, logger.Named("archive.forwarder")) }()

		logger.Info("archive sink started")
	}

	reconcileCtx, reconcileCancel := context.WithCancel(ctx)
	defer reconcileCancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconcileRouterMeta(reconcileCtx, registry, cfg.Routers, logger.Named("routers"))
	}()

	// Note: internal/query.Service (QueryRib/Subscribe/Statistics/ListSessions/
	// State over r and registry) is a plain Go API for a caller outside this
	// binary to mount onto its own transport; this process's own HTTP surface
	// stays limited to health/readiness/metrics below.

	// --- HTTP server (operational surface only: healthz/readyz/metrics) ---
	var consumerStatus httpapi.ConsumerStatus
	if kafkaConsumer != nil {
		consumerStatus = kafkaConsumer
	}
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, archiveChecker, consumerStatus, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all peers, pipelines, and HTTP server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop everything that feeds the ingest channel, then close it so the
	// actor sees the end of input and drains whatever is still queued
	// before its Run call returns. Only once the actor has drained do GC,
	// the archive forwarder, and router-metadata reconciliation get
	// cancelled — they read the same RIB the actor was still writing to.
	peerCancel()

	waitWithTimeout := func(w *sync.WaitGroup, what string) {
		done := make(chan struct{})
		go func() {
			w.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout reached", zap.String("waiting_on", what))
		}
	}

	waitWithTimeout(&peerWg, "peer adapters")
	close(in)
	waitWithTimeout(&actorWg, "ingest actor")

	reconcileCancel()
	cancel()
	waitWithTimeout(&wg, "remaining goroutines")
	logger.Info("all pipelines stopped")

	if cfg.RIB.SnapshotFile != "" {
		if err := snapshot.Store(cfg.RIB.SnapshotFile, r, logger.Named("snapshot")); err != nil {
			logger.Error("final snapshot store failed", zap.Error(err))
		} else {
			logger.Info("final snapshot stored", zap.String("path", cfg.RIB.SnapshotFile))
		}
	}

	logger.Info("rib-collector stopped")
}

// runArchiveForwarder drains r's event stream for the lifetime of ctx,
// batching events into periodic FlushBatch calls. It never blocks or
// slows ingest: a write failure is logged and the batch dropped rather
// than retried, matching archive's own "decoupled, best-effort" contract.
func runArchiveForwarder(ctx context.Context, r *rib.Rib, w *archive.Writer, logger *zap.Logger) {
	const flushInterval = 2 * time.Second
	const maxBatch = 500

	id, events := r.Events.Subscribe()
	defer r.Events.Unsubscribe(id)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]archive.AuditRow, 0, maxBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if _, err := w.FlushBatch(ctx, batch); err != nil {
			logger.Warn("archive flush failed", zap.Error(err), zap.Int("rows", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, archive.NewAuditRow(ev, time.Now()))
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := archive.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to archive database", zap.Error(err))
	}
	defer pool.Close()

	if err := archive.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := archive.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to archive database", zap.Error(err))
	}
	defer pool.Close()

	pm := archive.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
