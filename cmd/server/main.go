// Command server runs the knowledge-base chat backend: REST API, realtime
// change feed, webhook dispatch, and the SQLite store.
//
// @title        KnowFlow KB Chat API
// @version      1.0
// @description  Multi-tenant knowledge-base chat backend: conversations, async message orchestration, drafts, templates, exports, and webhooks.
// @BasePath     /api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/knowflow/kb-chat-backend/docs"
	"github.com/knowflow/kb-chat-backend/internal/config"
	"github.com/knowflow/kb-chat-backend/internal/export"
	httpapi "github.com/knowflow/kb-chat-backend/internal/http"
	"github.com/knowflow/kb-chat-backend/internal/observability"
	"github.com/knowflow/kb-chat-backend/internal/realtime"
	"github.com/knowflow/kb-chat-backend/internal/repo"
	"github.com/knowflow/kb-chat-backend/internal/services"
	"github.com/knowflow/kb-chat-backend/internal/sysutil"
	"github.com/knowflow/kb-chat-backend/internal/webhook"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	setupLogging(cfg)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	// Storage
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	if err := repo.SeedBuiltinTemplates(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("seed templates failed")
	}

	// Realtime feed, optionally mirrored to NATS
	hub := realtime.NewHub()
	if cfg.NATS.URL != "" {
		mirror, err := realtime.ConnectNATS(cfg.NATS.URL, log.With().Str("component", "nats").Logger())
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("nats connect failed")
		}
		defer mirror.Close()
		hub.AttachMirror(mirror)
		log.Info().Str("url", cfg.NATS.URL).Msg("realtime mirror attached")
	}

	// Workflow engine dispatch and org fan-out
	dispatcher := webhook.NewDispatcher(cfg.Webhook, log.With().Str("component", "dispatcher").Logger())
	fanout := webhook.NewFanout(db,
		cfg.Webhook.FanoutWorkers, cfg.Webhook.FanoutQueueCap, cfg.Webhook.Timeout,
		log.With().Str("component", "fanout").Logger())
	fanout.Start()
	defer fanout.Close()

	// Application services
	orch := services.NewOrchestrator(db, dispatcher, hub, fanout, cfg.Chat, cfg.Webhook.Timeout,
		log.With().Str("component", "orchestrator").Logger())
	drafts := services.NewDraftStore(db, cfg.Draft, log.With().Str("component", "drafts").Logger())
	defer drafts.Close()

	// Background draft expiry
	go sweepDrafts(ctx, drafts, cfg.Draft.Sweep)

	// HTTP
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Dependencies{
		DB:         db,
		Hub:        hub,
		Dispatcher: dispatcher,
		Fanout:     fanout,
		Orch:       orch,
		ConvSvc:    services.NewConversationService(db),
		Drafts:     drafts,
		Templates:  services.NewTemplateService(db),
		Feedback:   services.NewFeedbackService(db),
		Exporter:   export.NewEngine(db),
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func setupLogging(cfg config.Config) {
	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// sweepDrafts deletes expired compose buffers on a fixed cadence until ctx is
// cancelled.
func sweepDrafts(ctx context.Context, drafts *services.DraftStore, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := drafts.Sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("draft sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("expired", n).Msg("drafts swept")
			}
		}
	}
}
