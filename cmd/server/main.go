package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"tessera.world/internal/auth"
	"tessera.world/internal/broker"
	"tessera.world/internal/config"
	"tessera.world/internal/engine"
	"tessera.world/internal/persistence/auditlog"
	"tessera.world/internal/persistence/docdb"
	"tessera.world/internal/state"
	"tessera.world/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		configPath = flag.String("config", "./configs/server.yaml", "server config path")
		expPath    = flag.String("experience", "", "experience template path (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		memOnly    = flag.Bool("mem", false, "in-memory backend, nothing persisted (dev/test)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Defaults()
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *expPath != "" {
		cfg.ExperiencePath = *expPath
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	log := setupLogger(cfg.Log)

	template, err := state.LoadTemplate(cfg.ExperiencePath)
	if err != nil {
		log.WithError(err).Fatal("load experience template")
	}

	var backend state.Backend
	if *memOnly {
		backend = state.NewMemBackend()
		log.Warn("in-memory backend: state is not persisted")
	} else {
		db, err := docdb.Open(cfg.DataDir + "/documents.db")
		if err != nil {
			log.WithError(err).Fatal("open document db")
		}
		backend = db
	}
	defer backend.Close()

	store := state.NewStore(backend, cfg.LockWait(), log.WithField("component", "store"))

	bus := broker.New(log.WithField("component", "broker"))
	defer bus.Close()

	audit := auditlog.New(cfg.DataDir)
	defer audit.Close()

	var narrator engine.Narrator
	if cfg.NarratorURL != "" {
		narrator = engine.NewHTTPNarrator(cfg.NarratorURL)
	} else {
		narrator = engine.StaticNarrator{}
		log.Info("no narrator backend configured, using static fallback")
	}

	pub := engine.NewPublisher(bus, log.WithField("component", "publisher"))
	eng := engine.New(engine.Config{
		AdminPrefix: cfg.AdminPrefix,
		Admins:      cfg.Admins,
	}, store, template, pub, narrator, audit, log.WithField("component", "engine"))

	var authenticator auth.Authenticator = &auth.StaticAuthenticator{
		Tokens:   cfg.Auth.Tokens,
		AllowDev: cfg.Auth.AllowDev,
	}
	authenticator = auth.NewCachingAuthenticator(authenticator, cfg.AuthCacheTTL(), 0)

	wsSrv := ws.NewServer(eng, bus, authenticator, log.WithField("component", "ws"))

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP tessera_connections Current number of connected clients.\n")
		fmt.Fprintf(rw, "# TYPE tessera_connections gauge\n")
		fmt.Fprintf(rw, "tessera_connections %d\n", wsSrv.Connections())

		fmt.Fprintf(rw, "# HELP tessera_topics Current number of live broker subscriptions.\n")
		fmt.Fprintf(rw, "# TYPE tessera_topics gauge\n")
		fmt.Fprintf(rw, "tessera_topics %d\n", bus.Topics())

		fmt.Fprintf(rw, "# HELP tessera_patch_applies_total Total successful state patch applications.\n")
		fmt.Fprintf(rw, "# TYPE tessera_patch_applies_total counter\n")
		fmt.Fprintf(rw, "tessera_patch_applies_total %d\n", store.Applies())

		fmt.Fprintf(rw, "# HELP tessera_events_published_total Total world update events published.\n")
		fmt.Fprintf(rw, "# TYPE tessera_events_published_total counter\n")
		fmt.Fprintf(rw, "tessera_events_published_total %d\n", pub.Events())

		fmt.Fprintf(rw, "# HELP tessera_publish_failures_total Total world update publish failures.\n")
		fmt.Fprintf(rw, "# TYPE tessera_publish_failures_total counter\n")
		fmt.Fprintf(rw, "tessera_publish_failures_total %d\n", pub.Failures())

		fmt.Fprintf(rw, "# HELP tessera_broker_delivered_total Total event deliveries to subscribers.\n")
		fmt.Fprintf(rw, "# TYPE tessera_broker_delivered_total counter\n")
		fmt.Fprintf(rw, "tessera_broker_delivered_total %d\n", bus.Published())

		fmt.Fprintf(rw, "# HELP tessera_broker_dropped_total Total events dropped on full subscriber buffers.\n")
		fmt.Fprintf(rw, "# TYPE tessera_broker_dropped_total counter\n")
		fmt.Fprintf(rw, "tessera_broker_dropped_total %d\n", bus.Dropped())
	})
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	log.WithFields(logrus.Fields{
		"addr":          cfg.Addr,
		"experience_id": template.ExperienceID,
		"mode":          template.Mode,
	}).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("ListenAndServe")
	}
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stderr, rotated))
	}
	return log
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
