package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/route-feeder/internal/bgp"
	"github.com/route-beacon/route-feeder/internal/config"
	"github.com/route-beacon/route-feeder/internal/db"
	"github.com/route-beacon/route-feeder/internal/delegation"
	"github.com/route-beacon/route-feeder/internal/feeder"
	"github.com/route-beacon/route-feeder/internal/history"
	feederhttp "github.com/route-beacon/route-feeder/internal/http"
	"github.com/route-beacon/route-feeder/internal/kafka"
	"github.com/route-beacon/route-feeder/internal/maintenance"
	"github.com/route-beacon/route-feeder/internal/metrics"
	"github.com/route-beacon/route-feeder/internal/rib"
	"github.com/route-beacon/route-feeder/internal/session"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return runServe(args)
	case "migrate":
		return runMigrate(args)
	case "maintenance":
		return runMaintenance(args)
	case "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: route-feeder [command] [options]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve         Accept BGP sessions and feed delegated prefixes (default)")
	fmt.Fprintln(os.Stderr, "  migrate       Run database migrations")
	fmt.Fprintln(os.Stderr, "  maintenance   Run partition maintenance (create new, drop old)")
	fmt.Fprintln(os.Stderr)
	config.Usage()
}

// usageError reports a command-line error and returns the exit code.
func usageError(err error) int {
	if errors.Is(err, pflag.ErrHelp) {
		printUsage()
		return 0
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
	printUsage()
	return 1
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

func runServe(args []string) int {
	cfg, err := config.ParseArgs(args)
	if err != nil {
		return usageError(err)
	}
	logger := initLogger(cfg.Service.LogLevel)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting route-feeder",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.Uint32("asn", cfg.BGP.ASN),
		zap.String("router_id", cfg.BGP.RouterID),
		zap.String("nexthop", cfg.BGP.Nexthop),
		zap.String("feed", cfg.Feed.URL),
		zap.String("country", cfg.Feed.Country),
		zap.String("family", cfg.Feed.Family),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	table := rib.NewTable()
	deps := feederhttp.Deps{}

	var store delegation.Store
	if cfg.Postgres.Enabled() {
		pool, err := db.NewPool(ctx, cfg.Postgres)
		if err != nil {
			logger.Error("failed to connect to database", zap.Error(err))
			return 1
		}
		defer pool.Close()

		pm, err := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
		if err != nil {
			logger.Error("invalid retention settings", zap.Error(err))
			return 1
		}
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Error("failed to create partitions on startup", zap.Error(err))
			return 1
		}
		store = history.NewStore(pool, pm, logger.Named("history"))
		deps.Postgres = pool
	}

	var exporter attacher
	if cfg.Kafka.Enabled() {
		publisher, err := newPublisher(cfg, logger.Named("kafka"))
		if err != nil {
			logger.Error("failed to create kafka publisher", zap.Error(err))
			return 1
		}
		exporter = publisher
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			publisher.Close(closeCtx)
		}()
		deps.Kafka = publisher
	}

	fetcher, err := delegation.NewFetcher(cfg.Feed.URL, cfg.Feed.Timeout())
	if err != nil {
		logger.Error("invalid feed url", zap.Error(err))
		return 1
	}
	family := delegation.Family(cfg.Feed.Family)
	synchronizer := delegation.NewSynchronizer(fetcher, table, delegation.Options{
		Filter:       delegation.Filter{Country: strings.ToUpper(cfg.Feed.Country), Family: family},
		Nexthop:      cfg.BGP.NexthopAddr(),
		MaxLineBytes: cfg.Feed.MaxLineBytes,
		Store:        store,
	}, logger.Named("delegation"))
	deps.Feed = synchronizer

	var restore restorer
	if store != nil {
		restore = synchronizer
	}
	warmStart(ctx, restore, exporter, table, logger)

	bgpCfg := bgp.Config{
		ASN:      cfg.BGP.ASN,
		RouterID: cfg.BGP.RouterIDAddr(),
		HoldTime: uint16(cfg.BGP.HoldTime),
		PeerASN:  cfg.BGP.PeerASN,
		AFI:      bgp.AFIIPv4,
	}
	if family == delegation.FamilyIPv6 {
		bgpCfg.AFI = bgp.AFIIPv6
	}
	engineLogger := logger.Named("bgp")
	newEngine := func(out io.Writer) session.Engine {
		return bgp.NewFSM(bgpCfg, table, out, engineLogger)
	}

	f := feeder.New(feeder.Options{
		ListenHost:   cfg.BGP.ListenHost,
		Port:         cfg.BGP.Port,
		Backlog:      cfg.BGP.Backlog,
		RefreshTicks: cfg.Feed.IntervalSeconds,
	}, newEngine, synchronizer, logger.Named("feeder"))
	if err := f.Start(); err != nil {
		logger.Error("failed to start feeder", zap.Error(err))
		return 1
	}
	deps.Sessions = f

	httpServer := feederhttp.NewServer(cfg.Service.HTTPListen, deps, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Error("failed to start HTTP server", zap.Error(err))
		f.Stop()
		f.Join()
		return 1
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	f.Stop()
	done := make(chan struct{})
	go func() {
		f.Join()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all sessions stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some sessions may not have finished")
	}

	logger.Info("route-feeder stopped")
	return 0
}

type restorer interface {
	Restore(ctx context.Context) (int, error)
}

type attacher interface {
	Attach(src kafka.RouteSource)
}

// warmStart loads the persisted snapshot into the table before the
// exporter subscribes, so restored routes are not exported again.
func warmStart(ctx context.Context, r restorer, exporter attacher, table kafka.RouteSource, logger *zap.Logger) {
	if r != nil {
		if _, err := r.Restore(ctx); err != nil {
			logger.Warn("starting with an empty table", zap.Error(err))
		}
	}
	if exporter != nil {
		exporter.Attach(table)
	}
}

func newPublisher(cfg *config.Config, logger *zap.Logger) (*kafka.Publisher, error) {
	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("building TLS config: %w", err)
	}
	return kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		Topic:      cfg.Kafka.Topic,
		InstanceID: cfg.Service.InstanceID,
		TLS:        tlsCfg,
		SASL:       cfg.Kafka.BuildSASLMechanism(),
	}, logger)
}

func runMigrate(args []string) int {
	cfg, err := config.ParseStoreArgs(args)
	if err != nil {
		return usageError(err)
	}
	logger := initLogger(cfg.Service.LogLevel)
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return 1
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, db.Migrations(), logger); err != nil {
		logger.Error("migration failed", zap.Error(err))
		return 1
	}

	logger.Info("migrations complete")
	return 0
}

func runMaintenance(args []string) int {
	cfg, err := config.ParseStoreArgs(args)
	if err != nil {
		return usageError(err)
	}
	logger := initLogger(cfg.Service.LogLevel)
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return 1
	}
	defer pool.Close()

	pm, err := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err != nil {
		logger.Error("invalid retention settings", zap.Error(err))
		return 1
	}
	if err := pm.Run(ctx); err != nil {
		logger.Error("maintenance failed", zap.Error(err))
		return 1
	}

	logger.Info("partition maintenance complete")
	return 0
}

var dsnPassword = regexp.MustCompile(`password\s*=\s*\S+`)

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsnPassword.ReplaceAllString(dsn, "password=***")
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
