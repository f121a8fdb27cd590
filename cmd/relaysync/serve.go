package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/stores"
)

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.load(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rootOpts, origins)
		},
	}
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "extra origin patterns allowed to open the event stream")
	return cmd
}

// daemon is a fully wired relaysync process.
type daemon struct {
	rt       *runtime
	engine   *relaysync.Engine
	listener *relaysync.Listener
	webhooks httpapi.WebhookReceiver
	handler  http.Handler
	bridge   *relaysync.NATSBridge
	nc       *nats.Conn
}

func newDaemon(ctx context.Context, rootOpts *rootOptions, origins []string) (*daemon, error) {
	cfg, logger := rootOpts.cfg, rootOpts.logger
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	engine, err := rt.newEngine()
	if err != nil {
		rt.Close()
		return nil, err
	}
	d := &daemon{rt: rt, engine: engine}

	if cfg.Sync.Realtime {
		var feed relaysync.ChangeFeed
		if rt.postgres != nil {
			feed = stores.NewPostgresChangeFeed(rt.postgres, cfg.Stores.Postgres.DSN, logger.WithField("component", "change_feed"))
		}
		workspace, _ := rt.adapters.Get(relaysync.StoreWorkspace)
		d.listener = relaysync.NewListener(relaysync.ListenerOptions{
			Mapper:    rt.mapper,
			Workspace: workspace,
			Feed:      feed,
			Bus:       rt.bus,
			Logger:    logger.WithField("component", "listener"),
		})
		d.webhooks = d.listener
	} else {
		d.webhooks = realtimeDisabled{}
	}

	if cfg.NATS.URL != "" {
		nc, err := relaysync.ConnectNATS(cfg.NATS.URL, cfg.NATS.MaxReconnect, cfg.NATS.ReconnectWait, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		d.nc = nc
		d.bridge = relaysync.NewNATSBridge(rt.bus, nc, cfg.NATS.SubjectPrefix, logger.WithField("component", "nats"))
	}

	d.handler = httpapi.NewServer(httpapi.Dependencies{
		Engine:   engine,
		Webhooks: d.webhooks,
		Bus:      rt.bus,
		Adapters: rt.adapters,
		Logger:   logger.WithField("component", "http"),
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.HTTP.JWTSecret,
		WebhookSecret:   cfg.HTTP.WebhookSecret,
		WebhookMaxSkew:  cfg.HTTP.WebhookMaxSkew,
		RateLimitMax:    cfg.HTTP.RateLimitMax,
		RateLimitWindow: cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		OriginPatterns:  origins,
	})
	return d, nil
}

func (d *daemon) Close() {
	if d.bridge != nil {
		d.bridge.Close()
	}
	if d.nc != nil {
		if err := d.nc.Drain(); err != nil {
			d.nc.Close()
		}
	}
	if d.listener != nil {
		d.listener.Close()
	}
	d.rt.Close()
}

// run blocks until ctx is done and the engine has finished every in-flight event.
func (d *daemon) run(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	logger := d.rt.logger
	server := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	var events <-chan relaysync.ChangeEvent
	if d.listener != nil {
		events = d.listener.Events()
		group.Go(func() error {
			return d.listener.Run(groupCtx)
		})
	}
	group.Go(func() error {
		return d.engine.Run(groupCtx, events)
	})
	group.Go(func() error {
		logger.WithField("addr", ln.Addr().String()).Info("relaysync listening")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown incomplete")
		}
		return nil
	})
	err := group.Wait()
	logger.Info("relaysync stopped")
	return err
}

func serve(ctx context.Context, rootOpts *rootOptions, origins []string) error {
	d, err := newDaemon(ctx, rootOpts, origins)
	if err != nil {
		return err
	}
	defer d.Close()
	ln, err := net.Listen("tcp", rootOpts.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", rootOpts.cfg.ListenAddr, err)
	}
	return d.run(ctx, ln, rootOpts.cfg.HTTP.ShutdownTimeout)
}

// realtimeDisabled answers webhooks when real-time capture is switched off. The sweep
// picks the change up instead, so senders are told the delivery was ignored.
type realtimeDisabled struct{}

func (realtimeDisabled) HandleWorkspaceWebhook(context.Context, relaysync.WorkspaceWebhook) (relaysync.ChangeEvent, error) {
	return relaysync.ChangeEvent{}, fmt.Errorf("real-time capture disabled: %w", relaysync.ErrUnmapped)
}
