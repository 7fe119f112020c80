package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/dmatos-eng/ingestd/internal/api"
	"github.com/dmatos-eng/ingestd/internal/codec"
	"github.com/dmatos-eng/ingestd/internal/config"
	"github.com/dmatos-eng/ingestd/internal/ingestion"
	"github.com/dmatos-eng/ingestd/internal/notify"
	"github.com/dmatos-eng/ingestd/internal/schema"
	"github.com/dmatos-eng/ingestd/internal/status"
	"github.com/dmatos-eng/ingestd/internal/transform"
	"github.com/dmatos-eng/ingestd/internal/warehouse"
	"github.com/dmatos-eng/ingestd/internal/watcher"
)

type app struct {
	cfg          *config.Config
	store        *status.Store
	watcher      *watcher.Watcher
	orchestrator *ingestion.Orchestrator
	cleanup      func()
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Schema load failure is globally fatal: nothing can be validated
	// without the registry.
	registry, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		return nil, err
	}

	store, err := status.Open(cfg.StatusFilePath)
	if err != nil {
		return nil, err
	}

	pool, err := warehouse.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	wh := warehouse.New(pool)
	if err := wh.EnsureDatasetTables(ctx, registry.Keys()); err != nil {
		pool.Close()
		return nil, err
	}

	var cipher transform.Cipher = transform.NoopCipher{}
	if len(cfg.CipherKey) > 0 {
		cipher, err = transform.NewAESCipher(cfg.CipherKey)
		if err != nil {
			pool.Close()
			return nil, err
		}
	}

	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.SMTPEnabled() {
		notifiers = append(notifiers, notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.AlertFrom,
			To:       cfg.AlertTo,
		}))
	}

	w := watcher.New(watcher.Config{
		Root:         cfg.RootDir,
		DatasetDirs:  cfg.DatasetDirs,
		PollInterval: cfg.PollInterval,
		QuietPeriod:  cfg.QuietPeriod,
	}, store)

	orch := ingestion.New(
		store,
		codec.New(),
		transform.New(cipher, nil),
		wh,
		registry,
		notifiers,
		ingestion.Config{
			NumWorkers:        cfg.NumWorkers,
			MaxAttempts:       cfg.MaxAttempts,
			BackoffBase:       cfg.BackoffBase,
			BackoffCap:        cfg.BackoffCap,
			StageTimeout:      cfg.StageTimeout,
			Staleness:         cfg.StaleThreshold,
			CompletionSummary: cfg.CompletionSummary,
		},
	)

	return &app{
		cfg:          cfg,
		store:        store,
		watcher:      w,
		orchestrator: orch,
		cleanup:      pool.Close,
	}, nil
}

func run(ctx context.Context, a *app) error {
	discoveries := make(chan watcher.Discovery, a.cfg.NumWorkers*2)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(discoveries)
		err := a.watcher.Run(ctx, discoveries)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return a.orchestrator.Run(ctx, discoveries)
	})

	if a.cfg.APIAddr != "" {
		router := mux.NewRouter()
		api.SetupRoutes(router, a.store)
		srv := &http.Server{Addr: a.cfg.APIAddr, Handler: router}
		g.Go(func() error {
			log.Printf("Status API listening on %s", a.cfg.APIAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer a.cleanup()

	log.Printf("Watching %s for incoming files", a.cfg.RootDir)
	if err := run(ctx, a); err != nil && err != context.Canceled {
		log.Fatalf("Error during ingestion: %v", err)
	}
	log.Println("Shutdown complete.")
}
