package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/config"
	"github.com/signalsfoundry/cellular-data-manager/internal/controller"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/debugapi"
	"github.com/signalsfoundry/cellular-data-manager/internal/handler"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/modemsim"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/observability"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/settings"
	"github.com/signalsfoundry/cellular-data-manager/internal/tracker"
	"github.com/signalsfoundry/cellular-data-manager/timectrl"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the data connection manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}
			log := logging.New(cfg.LoggingConfig())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log, runOptions{})
		},
	}
}

// runOptions overrides what run would otherwise build from the config.
type runOptions struct {
	// Listeners replace the configured addresses when set.
	GRPCListener    net.Listener
	HTTPListener    net.Listener
	MetricsListener net.Listener

	Modem    *modemsim.Config
	Clock    timectrl.Clock
	Registry *prometheus.Registry
}

// daemon is everything run wires together.
type daemon struct {
	log       logging.Logger
	store     settings.Store
	modem     *modemsim.Modem
	stack     *modemsim.Stack
	pump      *timectrl.Pump
	handlers  []*handler.Handler
	trackers  []*tracker.Tracker
	router    *tracker.Router
	hub       *debugapi.Hub
	collector *observability.DataCallCollector
	registry  *prometheus.Registry
}

// run builds the daemon, serves until ctx is cancelled and shuts down.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, opts runOptions) error {
	if log == nil {
		log = logging.Noop()
	}
	tracing := cfg.TracingConfig()
	tracing.ServiceVersion = version
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return errors.Wrap(err, "init tracing")
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	d, err := build(cfg, log, opts)
	if err != nil {
		return err
	}
	defer d.closeStore()

	svc := debugapi.NewService(d.debugTrackers(), d.router, log)
	grpcServer := debugapi.NewGRPCServer(svc, d.collector, log)
	httpServer := &http.Server{
		Handler:           debugapi.NewHTTPServer(svc, d.hub, d.collector.Handler(), log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer := &http.Server{
		Handler:           d.collector.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcLis, err := listen(opts.GRPCListener, cfg.DebugGRPCAddr)
	if err != nil {
		return errors.Wrap(err, "listen debug grpc")
	}
	httpLis, err := listen(opts.HTTPListener, cfg.DebugHTTPAddr)
	if err != nil {
		return errors.Wrap(err, "listen debug http")
	}
	metricsLis, err := listen(opts.MetricsListener, cfg.MetricsAddr)
	if err != nil {
		return errors.Wrap(err, "listen metrics")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	for _, h := range d.handlers {
		g.Go(func() error {
			h.Run(gctx)
			return nil
		})
	}
	pumpDone := d.pump.Start(gctx)
	for _, tr := range d.trackers {
		tr.Start()
	}

	serve(gctx, g, log, "debug grpc", grpcLis, func(l net.Listener) error { return grpcServer.Serve(l) })
	serve(gctx, g, log, "debug http", httpLis, httpServer.Serve)
	serve(gctx, g, log, "metrics", metricsLis, metricsServer.Serve)

	d.router.Request(netcap.NewRequest(netcap.CapInternet))
	log.Info(ctx, "data connection manager running",
		logging.Int("transports", len(d.trackers)),
		logging.Duration("tick", d.pump.Tick))

	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down")
		d.hub.Close()
		grpcServer.GracefulStop()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = metricsServer.Shutdown(shutdownCtx)
		<-pumpDone
		return nil
	})

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// listen returns l, or a listener on addr. An empty addr disables the
// surface and returns nil.
func listen(l net.Listener, addr string) (net.Listener, error) {
	if l != nil {
		return l, nil
	}
	if addr == "" {
		return nil, nil
	}
	return net.Listen("tcp", addr)
}

func serve(ctx context.Context, g *errgroup.Group, log logging.Logger, name string, l net.Listener, f func(net.Listener) error) {
	if l == nil {
		log.Info(ctx, "surface disabled", logging.String("surface", name))
		return
	}
	log.Info(ctx, "serving", logging.String("surface", name), logging.String("addr", l.Addr().String()))
	g.Go(func() error {
		err := f(l)
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, grpc.ErrServerStopped) || ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(err, "%s server", name)
	})
}

// build wires the store, modem, trackers and observers without starting
// anything.
func build(cfg *config.Config, log logging.Logger, opts runOptions) (*daemon, error) {
	ctx := context.Background()
	d := &daemon{log: log, registry: opts.Registry}
	if d.registry == nil {
		d.registry = prometheus.NewRegistry()
		d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	collector, err := observability.NewDataCallCollector(d.registry)
	if err != nil {
		return nil, errors.Wrap(err, "metrics collector")
	}
	d.collector = collector
	d.hub = debugapi.NewHub(log)

	if cfg.SettingsDB == "" {
		d.store = settings.NewMemoryStore()
	} else {
		store, err := settings.NewSQLiteStore(cfg.SettingsDB)
		if err != nil {
			return nil, errors.Wrapf(err, "open settings %s", cfg.SettingsDB)
		}
		d.store = store
	}

	profile := config.DefaultCarrierProfile()
	if cfg.CarrierProfile != "" {
		profile, err = config.LoadCarrierProfile(cfg.CarrierProfile)
		if err != nil {
			d.closeStore()
			return nil, errors.Wrapf(err, "carrier profile %s", cfg.CarrierProfile)
		}
	}
	if len(profile.Profile.APNs) == 0 {
		log.Warn(ctx, "carrier profile has no apns; no data call can be set up")
	}

	clock := opts.Clock
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	d.pump = timectrl.NewPump(clock, cfg.TickInterval)

	modemCfg := modemsim.DefaultConfig()
	if opts.Modem != nil {
		modemCfg = *opts.Modem
	}
	d.modem = modemsim.New(handler.NewAlarmScheduler(clock), modemCfg, log)
	d.stack = modemsim.NewStack(d.modem, 0, log)
	d.pump.AddListener(d.modem.Tick)
	d.pump.AddListener(d.stack.Tick)

	observer := observability.Observers{d.collector, d.hub}
	peers := tracker.NewPeers()
	agents := agent.NewRegistry()
	ifaces := dataconn.NewInterfaceRegistry()
	for _, transport := range cfg.TransportList() {
		h := handler.New(transport.String(), handler.NewAlarmScheduler(clock), log)
		d.pump.AddListener(h.Tick)

		stats := controller.NewStats()
		if _, err := observability.NewControllerCollector(d.registry, transport.String(), stats, h); err != nil {
			d.closeStore()
			return nil, errors.Wrapf(err, "controller metrics for %s", transport)
		}
		tr := tracker.New(tracker.Config{
			Transport:       transport,
			Handler:         h,
			Service:         d.modem.Service(transport),
			Modem:           d.modem,
			Stack:           d.stack,
			Agents:          agents,
			Interfaces:      ifaces,
			Peers:           peers,
			Settings:        d.store,
			Carrier:         profile.Carrier,
			Profile:         profile.Profile,
			SubID:           cfg.SubID,
			ServiceState:    initialServiceState(transport),
			Observer:        observer,
			Metrics:         d.collector,
			ControllerStats: stats,
			Traffic:         d.modem,
			Logger:          log,
		})
		d.handlers = append(d.handlers, h)
		d.trackers = append(d.trackers, tr)
	}
	d.router = tracker.NewRouter(peers, log)

	d.modem.OnRadioPower(func(on bool) {
		for _, tr := range d.trackers {
			if tr.Transport() == radio.TransportWWAN {
				tr.SetRadioPower(on)
			}
		}
	})
	return d, nil
}

func initialServiceState(t radio.Transport) dataconn.ServiceState {
	ss := dataconn.ServiceState{RegState: radio.RegInService, ConcurrentVoiceData: true}
	if t == radio.TransportWLAN {
		ss.RAT = radio.RATIWLAN
	} else {
		ss.RAT = radio.RATLTE
	}
	return ss
}

func (d *daemon) debugTrackers() []debugapi.Tracker {
	out := make([]debugapi.Tracker, 0, len(d.trackers))
	for _, tr := range d.trackers {
		out = append(out, tr)
	}
	return out
}

func (d *daemon) closeStore() {
	c, ok := d.store.(interface{ Close() error })
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		d.log.Warn(context.Background(), "close settings store", logging.Err(err))
	}
}
