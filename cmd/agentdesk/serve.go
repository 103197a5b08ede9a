package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentdesk/internal/gateway"
	"agentdesk/internal/scheduler"
	"agentdesk/internal/store"
)

// shutdownContext derives the serve context; main_signal*.go set it.
var shutdownContext func(parent context.Context) (context.Context, context.CancelFunc)

// serveReady is called with the bound gateway address. Tests override it.
var serveReady = func(addr string) {}

// sweepTimeout bounds one run of a cooldown sweeper job.
const sweepTimeout = 10 * time.Second

// bindPollInterval and bindWaitIterations bound how long serve waits for the
// gateway listener before reporting a bind failure.
var (
	bindPollInterval   = 20 * time.Millisecond
	bindWaitIterations = 50
)

func newServeCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, cooldown sweeper and store watcher until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath())
		},
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	ctx, stop := shutdownContext(cmd.Context())
	defer stop()

	a, err := loadApp(ctx, configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.wire(ctx); err != nil {
		return err
	}

	pools := make(map[string]gateway.KeyAdmin, len(a.managers))
	for ns, m := range a.managers {
		pools[ns] = m
	}
	srv, err := gateway.NewServer(&a.cfg.Gateway, gateway.Deps{
		Submitter: a.router,
		Pools:     pools,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	defer a.bus.Subscribe(srv.Hub())()

	sched := scheduler.NewScheduler(scheduler.NewRobfigCronEngine(),
		scheduler.WithLogger(a.logger),
		scheduler.WithJobTimeout(sweepTimeout),
	)
	if expr := a.cfg.Sweeper.CronExpr; expr != "" {
		for _, ns := range a.providers() {
			if err := sched.AddJob(scheduler.ReleaseExpiredJob(expr, a.managers[ns], a.logger)); err != nil {
				return err
			}
		}
	}

	var watcher *store.Watcher
	if p := store.WatchPath(a.cfg.Store); p != "" {
		watcher = store.NewWatcher(p, a.store, store.WithWatchLogger(a.logger))
	}

	g, gctx := errgroup.WithContext(ctx)
	shutdown := make(chan struct{})
	g.Go(func() error {
		return srv.Run(shutdown)
	})
	g.Go(func() error {
		<-gctx.Done()
		close(shutdown)
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	if watcher != nil {
		g.Go(func() error {
			if err := watcher.Start(a.syncFromStore); err != nil {
				a.logger.Warn("store watcher disabled", "path", store.WatchPath(a.cfg.Store), "error", err)
				return nil
			}
			<-gctx.Done()
			return watcher.Stop()
		})
	}
	g.Go(func() error {
		addr, ok := waitForBind(gctx, srv)
		if !ok {
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "listening on %s (providers: %v)\n", addr, a.router.Providers())
		serveReady(addr)
		return nil
	})

	err = g.Wait()
	a.router.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// waitForBind polls until the gateway has a listener, the listen failed or
// ctx ends.
func waitForBind(ctx context.Context, srv *gateway.Server) (string, bool) {
	for i := 0; i < bindWaitIterations; i++ {
		if addr := srv.Addr(); addr != "" {
			return addr, true
		}
		if srv.ListenErr() != nil {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(bindPollInterval):
		}
	}
	return "", false
}
