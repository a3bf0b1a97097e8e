package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/api"
	"github.com/user/ratatosk/internal/config"
	"github.com/user/ratatosk/internal/engine"
	"github.com/user/ratatosk/internal/jobstore"
	"github.com/user/ratatosk/internal/runlog"
	"github.com/user/ratatosk/internal/scheduler"
	"github.com/user/ratatosk/internal/state"
	"github.com/user/ratatosk/pkg/bigquery"
	"github.com/user/ratatosk/pkg/gauth"
	"github.com/user/ratatosk/pkg/gsheets"
	"github.com/user/ratatosk/pkg/kv"
	"github.com/user/ratatosk/pkg/supabase"
	"google.golang.org/api/option"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML or JSON)")
	listen := flag.String("listen", "", "listen address, overrides the config")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.FromEnv()
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if cfg.AdminKey == "" {
		log.Fatal("Admin key is required: set admin_key in the config or RATATOSK_ADMIN_KEY")
	}

	logger := ratatosk.NewDefaultLogger()

	store, err := kv.New(kv.Config{
		Type:     cfg.KV.Type,
		Path:     cfg.KV.Path,
		Address:  cfg.KV.Address,
		Password: cfg.KV.Password,
		DB:       cfg.KV.DB,
		DSN:      cfg.KV.DSN,
		Prefix:   cfg.KV.Prefix,
	})
	if err != nil {
		log.Fatalf("Failed to open kv store: %v", err)
	}
	defer store.Close()

	creds, err := cfg.CredentialsJSON()
	if err != nil {
		log.Fatalf("Failed to load Google credentials: %v", err)
	}
	if creds == nil {
		log.Fatal("Google credentials are required: set google.credentials_file or RATATOSK_GOOGLE_CREDENTIALS_JSON")
	}
	auth, err := gauth.New(creds)
	if err != nil {
		log.Fatalf("Failed to parse Google credentials: %v", err)
	}

	ctx := context.Background()
	bqClient, err := bigquery.New(ctx, bigquery.Config{},
		option.WithTokenSource(auth.TokenSource(gauth.ScopeBigQuery)))
	if err != nil {
		log.Fatalf("Failed to create BigQuery client: %v", err)
	}
	sheetReader, err := gsheets.New(ctx, gsheets.Config{},
		option.WithTokenSource(auth.TokenSource(gauth.ScopeSpreadsheets)))
	if err != nil {
		log.Fatalf("Failed to create Sheets client: %v", err)
	}

	// The sink is optional: a deployment that only ingests spreadsheets
	// into the warehouse never touches it.
	var sink engine.Sink
	if cfg.Supabase.URL != "" {
		client, err := supabase.New(supabase.Config{
			URL:               cfg.Supabase.URL,
			ServiceKey:        cfg.Supabase.ServiceKey,
			RequestsPerSecond: cfg.Supabase.RequestsPerSecond,
			Burst:             cfg.Supabase.Burst,
		})
		if err != nil {
			log.Fatalf("Failed to create Supabase client: %v", err)
		}
		sink = client
	}

	jobs := jobstore.New(store)
	states := state.New(store)
	logs := runlog.NewStore(store, logger)

	eng := engine.New(engine.Config{
		PageSize:       cfg.Engine.PageSize,
		SubBatchSize:   cfg.Engine.SubBatchSize,
		KeyScanPage:    cfg.Engine.KeyScanPage,
		DeleteScanMax:  cfg.Engine.DeleteScanMax,
		DeadlineMargin: cfg.Engine.DeadlineMargin,
	}, engine.NewBigQuerySource(bqClient), sink, sheetReader, bqClient, jobs, states, logs, logger)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Schedule.Enabled {
		sched := scheduler.New(scheduler.Config{
			RefreshInterval: cfg.Schedule.RefreshInterval,
			BatchTimeout:    cfg.Engine.BatchTimeout,
		}, jobs, eng, logger)
		go sched.Start(runCtx)
	}

	server := api.NewServer(cfg.AdminKey, jobs, logs, eng, sheetReader, store,
		cfg.Engine.BatchTimeout, logger)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("ratatosk listening", "addr", cfg.Listen, "scheduler", cfg.Schedule.Enabled)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}
