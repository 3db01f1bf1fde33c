package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	xlatmetrics "github.com/vitlabuda/tundra-nat64-sub000/internal/metrics"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/tunio"
	appversion "github.com/vitlabuda/tundra-nat64-sub000/internal/version"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/worker"
)

func translateCmd() *cobra.Command {
	var ov cmdlineOverrides
	var ifName string

	cmd := &cobra.Command{
		Use:   "translate <interface>",
		Short: "Open the given TUN interface and run the translation worker pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ifName = args[0]
			return runTranslate(ifName, ov)
		},
	}

	cmd.Flags().IntVar(&ov.workers, "workers", 0, "override the configured worker count")
	cmd.Flags().IntVar(&ov.mtu4, "mtu4", 0, "override the configured outbound IPv4 MTU")
	cmd.Flags().IntVar(&ov.mtu6, "mtu6", 0, "override the configured outbound IPv6 MTU")

	return cmd
}

func runTranslate(ifName string, ov cmdlineOverrides) error {
	cfg, r, err := loadAndResolveFull(configPath, ov)
	if err != nil {
		return crashf(fmt.Errorf("load configuration: %w", err))
	}

	if err := checkInvariants(r); err != nil {
		return invariantErrorf(err)
	}

	level := new(slog.LevelVar)
	level.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, level)

	logger.Info("nat64ctl starting",
		slog.String("version", appversion.Version),
		slog.String("interface", ifName),
	)
	logEffectiveConfig(logger, r)

	reg := prometheus.NewRegistry()
	collector := xlatmetrics.NewCollector(reg)

	fds, closeFDs, err := openDeviceFDs(ifName, r)
	if err != nil {
		return crashf(fmt.Errorf("open tun device: %w", err))
	}
	defer closeFDs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	signal.Ignore(syscall.SIGPIPE)

	g, gctx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", metricsSrv.Addr))
		return listenAndServe(gctx, metricsSrv)
	})

	g.Go(func() error {
		return runWatchdog(gctx, logger)
	})

	pool := worker.NewPool(r, logger, collector)
	g.Go(func() error {
		return runPool(pool, gctx, fds)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gctx.Done()
		notifyStopping(logger)

		// Cancelling the context alone does not unblock a worker parked
		// in a blocking read on the TUN fd; closing the fd out from
		// under it does. This is the same reason Pool.Run's own tests
		// close their simulated device fd after cancelling.
		closeFDs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		var ee *exitError
		if errors.As(err, &ee) {
			return err
		}
		return crashf(fmt.Errorf("translate: %w", err))
	}

	logger.Info("nat64ctl stopped")
	return nil
}

// runPool runs the worker pool and maps a recovered panic to the
// synchronization-failure exit code rather than letting it crash the
// whole process uncontrolled — per spec.md §6, a mutex/synchronization
// failure is its own exit code, distinct from a generic crash.
func runPool(pool *worker.Pool, ctx context.Context, fds []int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = syncFailuref(fmt.Errorf("worker pool panicked: %v", rec))
		}
	}()
	return pool.Run(ctx, fds)
}

func openDeviceFDs(ifName string, r *config.Resolved) (fds []int, closeFn func(), err error) {
	if !r.DeviceMultiQueue {
		f, err := tunio.Open(ifName, 1)
		if err != nil {
			return nil, nil, err
		}
		return []int{int(f.Fd())}, func() { _ = f.Close() }, nil
	}

	files := make([]*os.File, 0, r.Workers)
	closeFn = func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for i := 0; i < r.Workers; i++ {
		f, err := tunio.Open(ifName, r.Workers)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("queue %d: %w", i, err)
		}
		files = append(files, f)
		fds = append(fds, int(f.Fd()))
	}
	return fds, closeFn, nil
}

func newMetricsServer(m config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(m.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: m.Addr, Handler: mux}
}

func listenAndServe(ctx context.Context, srv *http.Server) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
