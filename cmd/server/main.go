// Command server starts the Avara call backend: the HTTP API, the session
// and admission WebSocket channels, and the media engine behind them.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Naveenravi07/Avara/internal/admission"
	"github.com/Naveenravi07/Avara/internal/api"
	"github.com/Naveenravi07/Avara/internal/auth"
	"github.com/Naveenravi07/Avara/internal/observability/logging"
	"github.com/Naveenravi07/Avara/internal/server"
	"github.com/Naveenravi07/Avara/internal/session"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	sessionTTL := flag.Duration("session-ttl", 0, "lifetime of login sessions")
	mediaDriver := flag.String("media-engine", "", "media engine driver (webrtc or memory)")
	mediaPortMin := flag.Int("media-port-min", 0, "lower bound of the UDP port range for media")
	mediaPortMax := flag.Int("media-port-max", 0, "upper bound of the UDP port range for media")
	admissionDriver := flag.String("admission-driver", "", "admission store and bus driver (redis or memory)")
	redisAddr := flag.String("redis-addr", "", "Redis address for admission state and events")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisChannel := flag.String("redis-channel", "", "Redis pub/sub channel for admission events")
	redisKeyPrefix := flag.String("redis-key-prefix", "", "key prefix for waiting-room hashes")
	meetingsDriver := flag.String("meetings-driver", "", "meetings store driver (postgres or memory)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for meetings")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("AVARA_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("AVARA_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("AVARA_ADDR"), ":8000")

	engine, err := configureMediaEngine(
		firstNonEmpty(*mediaDriver, os.Getenv("AVARA_MEDIA_ENGINE")),
		resolveInt(*mediaPortMin, "AVARA_MEDIA_PORT_MIN"),
		resolveInt(*mediaPortMax, "AVARA_MEDIA_PORT_MAX"),
		logger,
	)
	if err != nil {
		logger.Error("failed to configure media engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	driver := strings.ToLower(firstNonEmpty(*admissionDriver, os.Getenv("AVARA_ADMISSION_DRIVER"), "memory"))
	redisCfg := redisSettings{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("AVARA_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("AVARA_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("AVARA_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("AVARA_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("AVARA_REDIS_SENTINEL_MASTER")),
		Channel:    firstNonEmpty(*redisChannel, os.Getenv("AVARA_REDIS_CHANNEL")),
		KeyPrefix:  firstNonEmpty(*redisKeyPrefix, os.Getenv("AVARA_REDIS_KEY_PREFIX")),
	}
	events, waitingStore, err := configureAdmissionBackend(driver, redisCfg, logger)
	if err != nil {
		logger.Error("failed to configure admission backend", "error", err)
		os.Exit(1)
	}

	meetings, err := configureMeetings(
		strings.ToLower(firstNonEmpty(*meetingsDriver, os.Getenv("AVARA_MEETINGS_DRIVER"), "memory")),
		firstNonEmpty(*postgresDSN, os.Getenv("AVARA_POSTGRES_DSN")),
		resolveInt(*postgresMaxConns, "AVARA_POSTGRES_MAX_CONNS"),
	)
	if err != nil {
		logger.Error("failed to configure meetings store", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = meetings.Close(ctx)
	}()

	coordinator := session.NewCoordinator(engine, logging.WithComponent(logger, "session"))
	admissionCoord := admission.NewCoordinator(waitingStore, events, logging.WithComponent(logger, "admission"))
	sessions := auth.NewSessionManager(resolveDuration(*sessionTTL, "AVARA_SESSION_TTL", 7*24*time.Hour))
	directory := auth.NewMemoryDirectory()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go admissionCoord.Run(ctx)
	go startSessionPurgeWorker(ctx, sessions, 15*time.Minute)

	sessionGW := signalingSessionGateway(coordinator, meetings, events, logger)
	go sessionGW.Run(ctx)
	admissionGW := signalingAdmissionGateway(admissionCoord, meetings, logger)

	handler := api.NewHandler(directory, sessions, meetings, admissionCoord, logging.WithComponent(logger, "api"))

	srv, err := server.New(handler, sessionGW, admissionGW, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("AVARA_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("AVARA_TLS_KEY")),
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("server listening", "addr", listenAddr)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type redisSettings struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	Channel    string
	KeyPrefix  string
}
