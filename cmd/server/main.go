package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"remote-admin-gateway/internal/audit"
	audithandler "remote-admin-gateway/internal/audit/handler"
	auditrepo "remote-admin-gateway/internal/audit/repository"
	"remote-admin-gateway/internal/channel"
	"remote-admin-gateway/internal/config"
	connhandler "remote-admin-gateway/internal/connection/handler"
	connrepo "remote-admin-gateway/internal/connection/repository"
	connservice "remote-admin-gateway/internal/connection/service"
	"remote-admin-gateway/internal/db"
	healthhandler "remote-admin-gateway/internal/health/handler"
	"remote-admin-gateway/internal/ops"
	"remote-admin-gateway/internal/policy/engine"
	"remote-admin-gateway/internal/remote"
	"remote-admin-gateway/internal/security"
	"remote-admin-gateway/internal/server"
	"remote-admin-gateway/internal/server/middleware"
	sessionhandler "remote-admin-gateway/internal/session/handler"
	"remote-admin-gateway/internal/session/registry"
	"remote-admin-gateway/internal/telemetry"
	"remote-admin-gateway/internal/telemetry/loki"
	otelsetup "remote-admin-gateway/internal/telemetry/otel"
	"remote-admin-gateway/internal/telemetry/producer"
)

const serviceName = "remote-admin-gateway"

// Version is set with -ldflags at build time.
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := config.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Options{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
	})
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	credKey, err := cfg.CredentialKey()
	if err != nil {
		log.Fatalf("credential secret: %v", err)
	}
	vault, err := security.NewVault(credKey)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}
	tokenKey, err := cfg.TokenKey()
	if err != nil {
		log.Fatalf("auth token secret: %v", err)
	}
	tokens, err := security.NewTokenProvider(tokenKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	if err != nil {
		log.Fatalf("token provider: %v", err)
	}

	var (
		connRepo  connservice.Repository
		auditRepo auditrepo.Repository
		pinger    healthhandler.Pinger
	)
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer sqlDB.Close()
		connRepo = connrepo.NewPostgresRepository(sqlDB)
		auditRepo = auditrepo.NewPostgresRepository(sqlDB)
		pinger = sqlDB
	} else {
		log.Warn("DATABASE_URL not set; stored connections and audit logs are kept in memory")
		connRepo = connrepo.NewMemoryRepository()
		auditRepo = auditrepo.NewMemoryRepository()
	}

	policy, err := engine.LoadOPAAuthorizer(ctx, cfg.PolicyFile)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	scripts := ops.NewCatalog(nil)
	if cfg.ScriptsDir != "" {
		if scripts, err = ops.LoadCatalog(cfg.ScriptsDir); err != nil {
			log.Fatalf("scripts: %v", err)
		}
	}

	dialer, err := remote.NewSSHDialer(remote.SSHConfig{
		DialTimeout:    cfg.DialTimeout(),
		KnownHostsPath: cfg.SSHKnownHosts,
		Strict:         cfg.Env == "production",
		KeepAlive:      30 * time.Second,
	})
	if err != nil {
		log.Fatalf("ssh: %v", err)
	}
	if cfg.SSHKnownHosts == "" {
		log.Warn("SSH_KNOWN_HOSTS not set; target host keys are not verified")
	}

	reg := registry.New(dialer, registry.Config{GracePeriod: cfg.GracePeriod()})
	auditLogger := audit.NewLogger(auditRepo, middleware.ClientIPFromContext)
	reg.AddObserver(audit.NewSessionObserver(auditLogger))

	emitters := telemetry.Multi{otelsetup.NewEventEmitter(providers.LoggerProvider)}
	if cfg.LokiURL != "" {
		lk, err := loki.NewEmitter(cfg.LokiURL, nil)
		if err != nil {
			log.Fatalf("loki: %v", err)
		}
		emitters = append(emitters, lk)
	}
	kafkaProducer := producer.NewKafkaProducer(cfg.KafkaBrokerList(), cfg.KafkaTopic)
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
	}
	reg.AddObserver(telemetry.NewSessionObserver(emitters))

	instruments, err := otelsetup.NewInstruments(providers.MeterProvider, func() int64 { return int64(reg.Len()) })
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	reg.AddObserver(instruments)

	conns := connservice.NewConnectionService(connRepo, vault)
	mux := channel.NewMux(channel.Deps{
		Registry:      reg,
		Connections:   conns,
		Policy:        policy,
		Audit:         auditLogger,
		Scripts:       scripts,
		Metrics:       instruments,
		SearchTimeout: cfg.SearchTimeout(),
	})
	auth := middleware.NewAuthenticator(tokens, cfg.AuthCookieName)
	health := healthhandler.NewServer(pinger, policy)

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewRouter(server.Deps{
			Auth:        auth,
			Channel:     channel.NewHandler(mux, auth, channel.HandlerConfig{AllowedOrigins: cfg.AllowedOriginsList()}),
			Health:      health,
			Connections: connhandler.NewHandler(conns),
			Sessions:    sessionhandler.NewHandler(reg),
			Audit:       audithandler.NewHandler(auditRepo),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
		grpcSrv = server.NewGRPCServer(health)
		go health.Run(ctx, 15*time.Second)
		go func() {
			log.WithField("addr", cfg.GRPCAddr).Info("gRPC health server listening")
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("registry shutdown")
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	// let async audit and telemetry writes finish before the exporters flush
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := kafkaProducer.Close(); err != nil {
		log.WithError(err).Warn("kafka producer close")
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("otel shutdown")
	}
	log.Info("stopped")
}
