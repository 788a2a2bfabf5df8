package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/truar/DepotVente-sub001/internal/config"
	"github.com/truar/DepotVente-sub001/internal/crypto"
	"github.com/truar/DepotVente-sub001/internal/db"
	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/statusapi"
	"github.com/truar/DepotVente-sub001/internal/sync/client"
	"github.com/truar/DepotVente-sub001/internal/sync/metadata"
	"github.com/truar/DepotVente-sub001/internal/sync/notify"
	"github.com/truar/DepotVente-sub001/internal/sync/outbox"
	"github.com/truar/DepotVente-sub001/internal/sync/pull"
	"github.com/truar/DepotVente-sub001/internal/sync/push"
	"github.com/truar/DepotVente-sub001/internal/sync/scheduler"
	"github.com/truar/DepotVente-sub001/internal/sync/worker"
	"github.com/truar/DepotVente-sub001/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync worker, the change stream and the local status API",
	Long: `Run opens the local database, recovers operations interrupted by a
previous crash, and starts:

  - the sync worker (push, pull and the periodic delta)
  - the change-notification stream client
  - the status API and websocket on terminal.status_addr

A connectivity probe pings the server and reports online/offline transitions
to the worker. Editing the config file changes the log level live.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, _ := cmd.Flags().GetDuration("probe-interval")
		return run(probe)
	},
}

func init() {
	runCmd.Flags().Duration("probe-interval", 15*time.Second, "connectivity probe interval (0 disables the probe)")
	rootCmd.AddCommand(runCmd)
}

func run(probeInterval time.Duration) error {
	cfg, err := config.Watch(cfgFile, func(next config.Config) {
		logging.Get().SetLevel(next.Log.Level)
		logging.Info("Configuration reloaded", map[string]interface{}{"log_level": next.Log.Level})
	}, func(err error) {
		logging.Warn("Ignoring invalid configuration change", map[string]interface{}{"error": err.Error()})
	})
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logging.Init(cfg.Log); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Get().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.OpenMigrated(cfg.Terminal.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	repo := db.NewRepository(database)
	defer repo.Close()

	ob := outbox.NewStore(database, nil)
	if _, err := ob.RecoverSyncing(ctx); err != nil {
		return err
	}

	machineID := cfg.Terminal.MachineID
	if machineID == "" {
		machineID = crypto.MachineIdentifier()
	}
	meta := metadata.NewStore(database, machineID)

	// The token holder exists before the HTTP collaborators that read it.
	tokens := worker.NewTokens()
	api := client.New(cfg.Terminal.ServerURL, &http.Client{}, cfg.Terminal.HTTPTimeout, tokens.Get)

	counters := telemetry.New(time.Now())

	var (
		status *statusapi.Server
		w      *worker.Worker
	)

	pushEngine := push.NewEngine(ob, api, &push.Options{
		OnEvent: func(ev push.Event) {
			counters.RecordPush(ev)
			status.PushEvent(ev)
		},
	})
	pullEngine := pull.NewEngine(api, repo, meta)
	sched := scheduler.NewScheduler(pushEngine, pullEngine, ob, &scheduler.SchedulerConfig{
		PullInterval: cfg.Terminal.PullInterval,
		OnEvent: func(ev scheduler.Event) {
			counters.RecordCycle(ev)
			w.HandleEvent(ev)
		},
	})
	w = worker.New(sched, tokens, meta)

	// The stream body stays open, so its client has no total timeout.
	stream := notify.New(notify.Options{
		URL:        strings.TrimRight(cfg.Terminal.ServerURL, "/") + cfg.Terminal.StreamPath,
		HTTPClient: &http.Client{},
		Token:      tokens.Get,
		OnMessage: func(frame json.RawMessage) {
			counters.RecordStreamMessage()
			status.StreamMessage(frame)
		},
		OnState: func(s notify.State, err error) {
			counters.RecordStreamState(s)
			status.StreamStateChanged(s, err)
		},
	})
	tokens.OnChange(stream.TokenChanged)

	status = statusapi.New(statusapi.Options{
		Orchestrator: sched,
		Recovery:     ob,
		Checkpoint:   meta,
		Worker:       w,
		Stream:       stream,
		Metrics:      counters,
	})

	if cfg.Terminal.Token != "" {
		w.Send(worker.SetToken(cfg.Terminal.Token))
	}
	w.Send(worker.Message{Type: worker.MsgStartSync})

	logging.Info("Terminal starting", map[string]interface{}{
		"workstation":   cfg.Terminal.WorkstationID,
		"server_url":    cfg.Terminal.ServerURL,
		"status_addr":   cfg.Terminal.StatusAddr,
		"pull_interval": cfg.Terminal.PullInterval.String(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.Run(gctx)
		return nil
	})
	g.Go(func() error {
		status.Hub().Run(gctx)
		return nil
	})
	g.Go(func() error {
		status.ForwardWorker(gctx, w.Events())
		return nil
	})
	g.Go(func() error {
		counts, cancel := ob.Subscribe(gctx)
		defer cancel()
		status.WatchOutbox(gctx, counts)
		return nil
	})
	g.Go(func() error {
		return stream.Run(gctx)
	})
	g.Go(func() error {
		return serveStatus(gctx, cfg.Terminal.StatusAddr, status)
	})
	if probeInterval > 0 {
		g.Go(func() error {
			probeConnectivity(gctx, api, w, probeInterval)
			return nil
		})
	}

	err = g.Wait()
	logging.Info("Terminal stopped", nil)
	return err
}

func serveStatus(ctx context.Context, addr string, status *statusapi.Server) error {
	if strings.EqualFold(os.Getenv("GIN_MODE"), gin.DebugMode) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           status.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// probeConnectivity pings the server and tells the worker about transitions
// between reachable and unreachable.
func probeConnectivity(ctx context.Context, api *client.Client, w *worker.Worker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := api.Ping(ctx)
		if ctx.Err() != nil {
			return
		}
		reachable := err == nil
		if reachable == online {
			continue
		}
		online = reachable
		fields := map[string]interface{}{"online": online}
		if err != nil {
			fields["error"] = err.Error()
		}
		logging.Info("Connectivity changed", fields)
		w.Send(worker.SetOnline(online))
	}
}
