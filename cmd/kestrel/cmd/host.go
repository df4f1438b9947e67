package cmd

import (
	"context"
	"io"

	"kestrel/components/echo"
	"kestrel/components/sink"
	"kestrel/core/bridge"
	"kestrel/core/component"
	"kestrel/core/config"
	"kestrel/core/kernel"
	"kestrel/core/logger"
	"kestrel/core/snapshot"
	"kestrel/core/telemetry"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// runtime bundles a host with the resources built around it.
type runtime struct {
	cfg    *config.Config
	log    *zap.Logger
	host   *kernel.Host
	store  snapshot.Store
	nc     *nats.Conn
	server *bridge.Server

	closers []func(context.Context) error
}

type runtimeOptions struct {
	// Bridge connects to NATS and serves control requests when enabled in config.
	Bridge bool
	// TraceOutput receives stdout spans; nil means stderr.
	TraceOutput io.Writer
}

// builtinComponents returns the components every host registers.
func builtinComponents() []component.Component {
	return []component.Component{echo.New(), sink.New()}
}

func newRuntime(cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	log, err := logger.New(logger.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		Encoding:    cfg.Log.Encoding,
	})
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: log}

	shutdownTracing, err := telemetry.Setup(cfg.Tracing.Exporter, version, cfg.Environment, opts.TraceOutput)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, shutdownTracing)

	store, err := snapshot.Open(cfg.Persistence.Driver, cfg.Persistence.Path)
	if err != nil {
		_ = rt.close(context.Background())
		return nil, err
	}
	if store != nil {
		rt.store = store
		rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
	}

	rt.host, err = kernel.New(kernel.Options{Config: cfg, Logger: log, Store: rt.store})
	if err != nil {
		_ = rt.close(context.Background())
		return nil, err
	}

	ctx := context.Background()
	for _, c := range builtinComponents() {
		if err := rt.host.Register(ctx, c); err != nil {
			_ = rt.close(ctx)
			return nil, err
		}
	}

	if opts.Bridge && cfg.Bridge.Enabled {
		if err := rt.startBridge(ctx); err != nil {
			_ = rt.close(ctx)
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) startBridge(ctx context.Context) error {
	nc, err := bridge.Connect(rt.cfg.Bridge.URL, "kestrel-host", rt.log)
	if err != nil {
		return err
	}
	rt.nc = nc
	rt.closers = append(rt.closers, func(context.Context) error {
		nc.Close()
		return nil
	})
	if err := rt.host.Register(ctx, bridge.NewForwarder(nc, rt.cfg.Bridge.SubjectPrefix)); err != nil {
		return err
	}
	rt.server = bridge.NewServer(nc, rt.host, bridge.ServerOptions{
		Logger:         rt.log,
		SubjectPrefix:  rt.cfg.Bridge.SubjectPrefix,
		RequestTimeout: rt.cfg.Bridge.RequestTimeout,
	})
	if err := rt.server.Start(); err != nil {
		return err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.server.Stop() })
	return nil
}

// close releases everything in reverse order of acquisition.
func (rt *runtime) close(ctx context.Context) error {
	var errs error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, rt.closers[i](ctx))
	}
	rt.closers = nil
	_ = rt.log.Sync()
	return errs
}
