package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/nearby-chat/internal/api"
	"github.com/npezzotti/nearby-chat/internal/chat"
	"github.com/npezzotti/nearby-chat/internal/config"
	"github.com/npezzotti/nearby-chat/internal/database"
	"github.com/npezzotti/nearby-chat/internal/events"
	"github.com/npezzotti/nearby-chat/internal/obs"
	"github.com/npezzotti/nearby-chat/internal/server"
	"github.com/npezzotti/nearby-chat/internal/stats"
	"golang.org/x/sync/errgroup"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

// stringSliceFlag holds a comma-separated list. The first Set replaces the
// preset value and later ones append to it.
type stringSliceFlag struct {
	values []string
	set    bool
}

func (s *stringSliceFlag) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(s.values, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	if !s.set {
		s.values = nil
		s.set = true
	}
	s.values = append(s.values, config.SplitList(value)...)
	return nil
}

type options struct {
	env                string
	addr               string
	dsn                string
	signingKey         string
	allowedOrigins     stringSliceFlag
	redisAddr          string
	kafkaBrokers       stringSliceFlag
	kafkaTopic         string
	verifyRoomJoin     bool
	broadcastHTTPSends bool
	runMigrations      bool
}

// parseFlags reads args, falling back to the environment for anything not set
// on the command line.
func parseFlags(args []string) (*options, error) {
	opts := &options{
		allowedOrigins: stringSliceFlag{values: config.SplitList(config.GetEnv("ALLOWED_ORIGINS", "http://localhost:3000"))},
		kafkaBrokers:   stringSliceFlag{values: config.SplitList(config.GetEnv("KAFKA_BROKERS", ""))},
	}

	fs := flag.NewFlagSet("nearby-chat", flag.ContinueOnError)
	fs.StringVar(&opts.env, "env", config.GetEnv("APP_ENV", "dev"), "environment (dev, local, prod)")
	fs.StringVar(&opts.addr, "addr", config.GetEnv("ADDR", "localhost:5000"), "server address")
	fs.StringVar(&opts.dsn, "dsn", config.GetEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=nearby sslmode=disable"), "database connection string")
	fs.StringVar(&opts.signingKey, "signing-key", config.GetEnv("JWT_SECRET", defaultSigningKey), "base64 encoded signing key")
	fs.Var(&opts.allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	fs.StringVar(&opts.redisAddr, "redis-addr", config.GetEnv("REDIS_ADDR", ""), "redis address for cross-instance delivery (optional)")
	fs.Var(&opts.kafkaBrokers, "kafka-brokers", "comma-separated kafka brokers for message events (optional)")
	fs.StringVar(&opts.kafkaTopic, "kafka-topic", config.GetEnv("KAFKA_TOPIC", config.DefaultKafkaTopic), "kafka topic for message events")
	fs.BoolVar(&opts.verifyRoomJoin, "verify-room-join", config.GetEnvBool("VERIFY_ROOM_JOIN", false), "only let room participants join a room's group")
	fs.BoolVar(&opts.broadcastHTTPSends, "broadcast-http-sends", config.GetEnvBool("BROADCAST_HTTP_SENDS", false), "deliver messages sent over HTTP to connected clients")
	fs.BoolVar(&opts.runMigrations, "migrate", config.GetEnvBool("RUN_MIGRATIONS", true), "apply database migrations on startup")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return opts, nil
}

func (o *options) config() (*config.Config, error) {
	cfg, err := config.NewConfig(o.addr, o.dsn, o.signingKey, o.allowedOrigins.values)
	if err != nil {
		return nil, err
	}
	cfg.Env = o.env
	cfg.RedisAddr = o.redisAddr
	cfg.KafkaBrokers = o.kafkaBrokers.values
	cfg.KafkaTopic = o.kafkaTopic
	cfg.VerifyRoomJoin = o.verifyRoomJoin
	cfg.BroadcastHTTPSends = o.broadcastHTTPSends
	cfg.RunMigrations = o.runMigrations

	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run starts the server and blocks until it stops. It returns the process
// exit code once every deferred cleanup has run.
func run(args []string) int {
	opts, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}

	logger := obs.NewLogger(opts.env)

	cfg, err := opts.config()
	if err != nil {
		logger.Error("config", "err", err)
		return 1
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("db open", "err", err)
		return 1
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error("db close", "err", err)
		}
	}()

	if cfg.RunMigrations {
		version, err := database.Migrate(dbConn.DB())
		if err != nil {
			logger.Error("migrate", "err", err)
			return 1
		}
		logger.Info("database migrated", "version", version)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Error("kafka producer", "err", err)
			return 1
		}
		publisher = kp
		logger.Info("publishing message events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	outbox := events.NewOutbox(logger, publisher, events.DefaultOutboxSize)
	defer func() {
		if err := outbox.Close(); err != nil {
			logger.Error("close publisher", "err", err)
		}
	}()

	var relay server.Relay
	if cfg.RedisAddr != "" {
		rr, err := server.NewRedisRelay(logger, cfg.RedisAddr)
		if err != nil {
			logger.Error("redis relay", "err", err)
			return 1
		}
		relay = rr
		logger.Info("relaying deliveries through redis", "addr", cfg.RedisAddr)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	svc := chat.NewService(logger, dbConn, outbox)

	chatServer, err := server.NewChatServer(logger, svc, statsUpdater, server.Options{
		VerifyRoomJoin: cfg.VerifyRoomJoin,
		Relay:          relay,
	})
	if err != nil {
		logger.Error("new chat server", "err", err)
		return 1
	}

	srv := api.NewChatApp(mux, logger, chatServer, svc, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return chatServer.Run(gctx)
	})

	g.Go(func() error {
		return outbox.Run(gctx)
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutDownCtx); err != nil {
			return err
		}

		return chatServer.Shutdown(shutDownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", "err", err)
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}
