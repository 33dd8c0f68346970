// Package app is the runtime container: it wires configuration, storage,
// the processing pipeline and the HTTP surface into one lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lmittmann/tint"

	"github.com/mosacloud/messages-sub001/internal/api"
	"github.com/mosacloud/messages-sub001/internal/auth"
	"github.com/mosacloud/messages-sub001/internal/config"
	"github.com/mosacloud/messages-sub001/internal/db"
	"github.com/mosacloud/messages-sub001/internal/delivery"
	"github.com/mosacloud/messages-sub001/internal/intake"
	"github.com/mosacloud/messages-sub001/internal/lock"
	"github.com/mosacloud/messages-sub001/internal/mime"
	"github.com/mosacloud/messages-sub001/internal/spam"
	"github.com/mosacloud/messages-sub001/internal/storage"
	"github.com/mosacloud/messages-sub001/internal/thread"
	"github.com/mosacloud/messages-sub001/internal/worker"
)

/* ------------------------------------------------------------------
   App struct — runtime container
-------------------------------------------------------------------*/

type App struct {
	cfg config.Config
	Log *slog.Logger

	db        *sqlx.DB
	store     *storage.Database
	blobs     *storage.BlobStore
	locks     *lock.Manager
	spam      *spam.Engine
	engine    *delivery.Engine
	composer  *delivery.Composer
	intake    *intake.Service
	pool      *worker.Pool
	webServer *http.Server
}

func (a *App) Config() config.Config { return a.cfg }

/* ------------------------------------------------------------------
   Init / Run / Close lifecycle
-------------------------------------------------------------------*/

func (a *App) Init(ctx context.Context) error {
	/* 1. configuration */
	c, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = c
	a.Log = buildLogger(c.LogLevel, c.LogFormat)

	/* 2. database */
	dsn := db.DSN(c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.DBName, c.DB.SSLMode)
	a.db, err = db.Connect(dsn)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	a.store = storage.NewDatabase(a.db)
	if err := a.store.Migrate(ctx); err != nil {
		return err
	}

	/* 3. storage and coordination */
	a.blobs, err = storage.NewBlobStore(c.BlobStoragePath)
	if err != nil {
		return err
	}
	a.locks = lock.NewManager(a.db)

	/* 4. spam decisioning */
	rules, err := spam.CompileRules(c.SpamRules)
	if err != nil {
		return fmt.Errorf("compiling spam rules: %w", err)
	}
	a.spam = spam.NewEngine(rules, spam.NewScorer(c.SpamScorerURL, a.Log), a.Log)

	/* 5. outbound delivery */
	var signer *delivery.DKIMSigner
	if c.DKIMPrivateKeyPath != "" {
		signer, err = delivery.NewDKIMSigner(c.Domain, c.DKIMSelector, c.DKIMPrivateKeyPath)
		if err != nil {
			a.Log.Warn("dkim disabled", "error", err)
			signer = nil
		}
	}
	transmitter := delivery.NewSMTPTransmitter(
		c.Domain, c.RelayHost, c.ConnectTimeout, c.SubmitTimeout, a.Log)
	a.engine = delivery.NewEngine(a.store, a.blobs, transmitter, signer, a.Log)
	a.engine.SetLocker(a.locks, c.IntakeLockTTL)
	a.composer = delivery.NewComposer(a.store, a.blobs, c.Domain, a.Log)

	/* 6. intake pipeline */
	parser := &mime.Parser{Log: a.Log}
	resolver := thread.NewResolver(a.store, a.Log)
	a.intake = intake.NewService(a.store, a.blobs, a.locks, parser, resolver,
		a.spam, c.Domain, c.MaxMessageBytes, c.IntakeLockTTL, a.Log)
	a.engine.SetInternalDeliverer(a.intake)

	/* 7. background workers */
	a.pool = worker.NewPool(a.intake, a.engine, worker.Options{
		Workers:       c.WorkerCount,
		PollInterval:  c.PollInterval,
		SweepInterval: c.SweepInterval,
		SweepBatch:    c.SweepBatch,
	}, a.Log)
	a.intake.SetNotifier(a.pool.Notify)

	/* 8. HTTP surface */
	router := api.SetupRouter(&api.Server{
		Intake:   a.intake,
		Composer: a.composer,
		Engine:   a.engine,
		Store:    a.store,
		Auth:     auth.NewService(c.JWTSecret),
		Log:      a.Log,
	})
	a.webServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", c.APIHost, c.APIPort),
		Handler: router,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	a.pool.Start(ctx)
	a.Log.Info("api listening", "addr", a.webServer.Addr)
	if err := a.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if a.webServer != nil {
		if err := a.webServer.Shutdown(shutdownCtx); err != nil {
			a.Log.Error("http shutdown failed", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func buildLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	}
	return slog.New(handler)
}
