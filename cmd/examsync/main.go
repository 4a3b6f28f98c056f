// Command examsync runs the client-side sync agent: it keeps exam progress
// and entitlement state reconciled with the server over a websocket channel.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kvlar/examsync/internal/access"
	"github.com/kvlar/examsync/internal/clock"
	"github.com/kvlar/examsync/internal/config"
	"github.com/kvlar/examsync/internal/conn"
	"github.com/kvlar/examsync/internal/entitlement"
	"github.com/kvlar/examsync/internal/guard"
	"github.com/kvlar/examsync/internal/kvstore"
	"github.com/kvlar/examsync/internal/model"
	"github.com/kvlar/examsync/internal/progress"
	"github.com/kvlar/examsync/internal/protocol"
	"github.com/kvlar/examsync/internal/refresh"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main wires the store, guard, channel, and sync engines together and runs
// until interrupted.
func main() {
	// Flags
	cfgPath := flag.String("config", "", "path to YAML config (optional)")
	userID := flag.String("user", "", "user id (required)")
	token := flag.String("token", "", "access token; falls back to the stored session")
	collection := flag.String("collection", "", "content collection to keep fresh")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
	)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if *userID == "" {
		logger.Fatal("missing user id (--user)")
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local store
	store, err := kvstore.OpenBadger(cfg.DataDir)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	clk := clock.System{}
	gd := guard.New(clk, cfg.Limits.RequestsPerMinute)
	gd.SetCooldown(cfg.Limits.LoopCooldown)

	// Credentials: flag token wins, otherwise the persisted session.
	tokens := conn.NewTokenStore(store)
	creds := conn.Credentials{UserID: *userID, Token: *token}
	if creds.Token == "" {
		stored, err := tokens.Load(clk.Now())
		if err != nil {
			logger.Fatal("no usable session token; pass --token", zap.Error(err))
		}
		creds = stored
	} else if err := tokens.Save(creds, clk.Now()); err != nil {
		logger.Warn("persist token", zap.Error(err))
	}

	api := entitlement.NewClient(cfg.Server.APIBaseURL, func() string { return creds.Token }, logger)

	// Push channel
	mgr := conn.New(conn.Options{
		URL:         cfg.Server.WebsocketURL,
		Guard:       gd,
		Clock:       clk,
		Logger:      logger,
		Credentials: creds,
		Refresh: func(ctx context.Context) (conn.Credentials, error) {
			return tokens.Load(clk.Now())
		},
	})

	// Progress sync
	engine := progress.NewEngine(progress.Options{
		Store:   store,
		Channel: mgr,
		Guard:   gd,
		Clock:   clk,
		Logger:  logger,
		Beacon:  api,
		UserID:  creds.UserID,
	})
	mgr.OnStateChange(engine.HandleConnectionState)

	// Access reconciliation
	rec := access.NewReconciler(store, clk, logger)
	mgr.OnMessage(protocol.TypeAccessUpdate, func(env protocol.Envelope) {
		rec.HandleAccessUpdate(creds.UserID, env)
	})

	// Collection refresh
	var coord *refresh.Coordinator
	if *collection != "" {
		items, err := api.ListCollection(ctx, *collection)
		if err != nil {
			logger.Warn("initial collection listing failed", zap.Error(err))
		}
		paid := make([]string, 0, len(items))
		for _, it := range items {
			if !it.IsFree {
				paid = append(paid, it.ID)
			}
		}
		coord = refresh.New(refresh.Options{
			Collection: *collection,
			UserID:     creds.UserID,
			Channel:    mgr,
			Reconciler: rec,
			Guard:      gd,
			Clock:      clk,
			Logger:     logger,
			Items:      func() []string { return paid },
		})
		go coord.Run(ctx)
		mgr.OnMessage(protocol.TypeQuestionSetUpdate, func(env protocol.Envelope) {
			rec.HandleQuestionSetUpdate(creds.UserID, env)
			coord.Trigger(ctx)
		})
		mgr.OnStateChange(func(st model.ConnectionState) {
			if st == model.StateConnected {
				coord.Trigger(ctx)
			}
		})
	}

	sweepDone := make(chan struct{})
	go rec.RunSweeper(sweepDone, time.Hour)
	go engine.Run(ctx)

	if err := mgr.Connect(ctx); err != nil {
		logger.Warn("initial connect failed; reconnecting in background", zap.Error(err))
	}

	<-ctx.Done()

	// Graceful teardown: stop the channel first, then flush unsynced progress
	// over the beacon path.
	logger.Info("shutting down")
	close(sweepDone)
	mgr.Close()
	engine.Close()

	logger.Info("shutdown complete")
}
