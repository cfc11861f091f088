package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/internal/config"
	"github.com/goliatone/go-reactive/pkg/activity"
	"github.com/goliatone/go-reactive/pkg/activity/usersink"
	"github.com/goliatone/go-reactive/pkg/bridge"
	"github.com/goliatone/go-reactive/pkg/middleware"
	"github.com/goliatone/go-reactive/pkg/storage"
	"github.com/goliatone/go-reactive/pkg/transport/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	transportPath   = "/ws"
	shutdownTimeout = 5 * time.Second
)

// daemon wires the authoritative store to its middleware, durable storage,
// the bridge and the HTTP listeners.
type daemon struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	store       *reactive.Store
	computed    *reactive.ComputedGraph
	computedMu  sync.Mutex
	kv          *storage.BadgerStore
	persistence *middleware.Persistence
	bridge      *bridge.Bridge
	server      *ws.Server
	audit       *auditLog
	reload      config.Reloadable

	closeOnce sync.Once
}

func newDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		audit:    newAuditLog(0),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	emitter := activity.NewEmitter(activity.Hooks{usersink.Hook{Sink: d.audit}}, activity.Config{Enabled: true, ActorID: "reactived"})

	defaults, err := cfg.DefaultsStack()
	if err != nil {
		return nil, err
	}
	storeOpts := []reactive.StoreOption{
		reactive.WithDefaultsStack(defaults),
		reactive.WithHistoryCapacity(cfg.HistorySize),
		reactive.WithLogger(logger),
	}
	if cfg.StrictPaths {
		storeOpts = append(storeOpts, reactive.WithStrictPaths())
	}
	d.store = reactive.NewStore(storeOpts...)

	timing := middleware.NewTiming(
		middleware.WithSlowThreshold(cfg.SlowThreshold),
		middleware.WithTimingLogger(logger),
		middleware.WithRegisterer(d.registry),
	)
	validation := middleware.NewValidation(cfg.Validation,
		middleware.WithValidationLogger(logger),
		middleware.WithValidationEmitter(emitter),
	)
	notification := middleware.NewNotification(middleware.ActivityNotifier{Emitter: emitter}, config.NotificationRules(cfg.Notifications), logger)
	d.reload = config.Reloadable{Validation: validation, Timing: timing, Notification: notification}

	uses := []struct {
		m        reactive.Middleware
		priority int
	}{
		{timing, middleware.PriorityTiming},
		{validation, middleware.PriorityValidation},
		{middleware.NewLogging(logger), middleware.PriorityLogging},
		{notification, middleware.PriorityNotification},
		{middleware.NewActivity(emitter, cfg.AllowList...), middleware.PriorityActivity},
	}
	for _, use := range uses {
		if err := d.store.Use(use.m, reactive.WithPriority(use.priority)); err != nil {
			return nil, err
		}
	}

	if len(cfg.PersistRoots) > 0 {
		badgerCfg := storage.DefaultBadgerConfig(cfg.BadgerDir())
		if cfg.InMemory {
			badgerCfg = storage.InMemoryBadgerConfig()
		}
		badgerCfg.Logger = logger
		if d.kv, err = storage.OpenBadger(badgerCfg); err != nil {
			return nil, err
		}
		d.persistence, err = middleware.NewPersistence(d.kv, d.store, cfg.PersistRoots,
			middleware.WithNamespace(cfg.Namespace),
			middleware.WithPersistDelay(cfg.PersistDelay),
			middleware.WithPersistenceLogger(logger),
			middleware.WithPersistenceEmitter(emitter),
		)
		if err != nil {
			return nil, err
		}
		if err := d.persistence.Restore(ctx, d.store); err != nil {
			return nil, fmt.Errorf("restore state: %w", err)
		}
		if err := d.store.Use(d.persistence, reactive.WithPriority(middleware.PriorityPersistence)); err != nil {
			return nil, err
		}
	}

	evaluator, err := evaluatorFor(cfg.Engine)
	if err != nil {
		return nil, err
	}
	d.computed = reactive.NewComputedGraph(d.store,
		reactive.WithEvaluator(evaluator),
		reactive.WithComputedLogger(logger),
		reactive.WithComputeObserver(middleware.NewComputeMetrics(d.registry)),
	)
	for _, comp := range cfg.Computed {
		if _, err := d.computed.AddExpression(comp.Key, comp.Expr, comp.Deps...); err != nil {
			return nil, err
		}
	}

	d.server = ws.NewServer(
		ws.WithServerLogger(logger),
		ws.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	)
	d.bridge, err = bridge.New(d.store, d.server,
		bridge.WithAllowList(cfg.AllowList...),
		bridge.WithLogger(logger),
		bridge.WithMetrics(bridge.NewMetrics(d.registry)),
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func evaluatorFor(engine string) (reactive.Evaluator, error) {
	switch engine {
	case "", "expr":
		return reactive.NewExprEvaluator(), nil
	case "cel":
		return reactive.NewCELEvaluator(), nil
	case "js":
		if evaluator := reactive.NewJSEvaluator(); evaluator != nil {
			return evaluator, nil
		}
		return nil, errors.New("engine js requires a build with the js_eval tag")
	default:
		return nil, fmt.Errorf("unknown engine %q", engine)
	}
}

// run serves until ctx is cancelled or a listener fails.
func (d *daemon) run(ctx context.Context) error {
	defer d.close()

	transportSrv := &http.Server{Addr: d.cfg.Listen, Handler: d.transportRouter(), ReadHeaderTimeout: 5 * time.Second}
	inspectSrv := &http.Server{Addr: d.cfg.Inspect, Handler: d.inspectRouter(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.logger.Info("transport listening", "addr", d.cfg.Listen, "path", transportPath)
		return listen(transportSrv)
	})
	g.Go(func() error {
		d.logger.Info("inspect listening", "addr", d.cfg.Inspect)
		return listen(inspectSrv)
	})
	if d.cfg.Path != "" && fileExists(d.cfg.Path) {
		g.Go(func() error {
			return config.Watch(gctx, d.cfg.Path, d.logger, d.reload.Apply)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = d.server.Close()
		return errors.Join(transportSrv.Shutdown(shutdownCtx), inspectSrv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}

// close releases everything newDaemon acquired, flushing pending snapshots
// before the database closes.
func (d *daemon) close() {
	d.closeOnce.Do(func() {
		if d.bridge != nil {
			d.bridge.Close()
		}
		if d.computed != nil {
			d.computed.Close()
		}
		if d.persistence != nil {
			if removed := d.store.Pipeline().Remove(middleware.PersistenceName); !removed {
				_ = d.persistence.Close()
			}
			if err := d.persistence.LastError(); err != nil {
				d.logger.Warn("last snapshot failed", "error", err)
			}
		}
		if d.kv != nil {
			if err := d.kv.Close(); err != nil {
				d.logger.Warn("closing storage", "error", err)
			}
		}
	})
}

func (d *daemon) transportRouter() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(transportPath, d.server.Handler())
	return router
}
