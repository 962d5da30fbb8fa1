package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	connruntime "github.com/dbhost/conn-runtime"
	"github.com/dbhost/conn-runtime/engine"
	"github.com/dbhost/conn-runtime/errors"
	"github.com/dbhost/conn-runtime/resource"
)

// Config holds configuration for runtime creation.
type Config struct {
	// Workers caps how many native calls run concurrently across all
	// connections of this runtime. 0 means engine.DefaultWorkers.
	Workers int

	// Logger receives runtime lifecycle logs. nil means no logging.
	Logger *zap.Logger
}

// Runtime owns the shared executor, the driver registry, and the table of
// live connections. It is safe for concurrent use.
type Runtime struct {
	log     *zap.Logger
	exec    *engine.Executor
	conns   *resource.Registry
	mu      sync.RWMutex
	drivers map[string]connruntime.Driver
}

// New creates a runtime. Drivers must be registered before connections
// that use them are opened.
func New(cfg Config) *Runtime {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		log:     log,
		exec:    engine.NewExecutor(engine.Config{Workers: cfg.Workers}),
		conns:   resource.NewRegistry(),
		drivers: make(map[string]connruntime.Driver),
	}
}

// RegisterDriver makes drv available under name.
func (r *Runtime) RegisterDriver(name string, drv connruntime.Driver) error {
	if name == "" {
		return errors.Registration(name, "empty name")
	}
	if drv == nil {
		return errors.Registration(name, "nil driver")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[name]; exists {
		return errors.Registration(name, "already registered")
	}
	r.drivers[name] = drv
	return nil
}

// Driver looks up a registered driver.
func (r *Runtime) Driver(name string) (connruntime.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	drv, ok := r.drivers[name]
	return drv, ok
}

// Drivers returns the registered driver names, sorted.
func (r *Runtime) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connections returns the registry of live connections, for observation.
func (r *Runtime) Connections() *resource.Registry {
	return r.conns
}

// Open creates a connection and begins its async native open. The caller
// owns the connection's initial holder reference and must eventually call
// Release. ctx bounds the connection's lifetime: operation bodies receive
// a context derived from it.
//
// Without WithOpenCallback the open result is reported through the
// connection's event subscribers instead.
func (r *Runtime) Open(ctx context.Context, driverName, path string, mode connruntime.Mode, opts ...OpenOption) (*Conn, error) {
	drv, ok := r.Driver(driverName)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "driver", driverName)
	}

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	if mode == 0 {
		mode = connruntime.ModeDefault
	}
	// Native access is always serialized from the driver's point of view,
	// whatever the caller asked for.
	mode |= connruntime.ModeSerialized

	c := &Conn{
		id:     uuid.NewString(),
		driver: driverName,
		path:   path,
		mode:   mode,
		rt:     r,
	}
	c.sched = engine.New(drv, r.exec, engine.Options{
		BaseContext: ctx,
		Emitter:     connEmitter{c},
		OnFinalized: func() {
			r.conns.Remove(c.id)
			r.log.Debug("connection finalized", zap.String("id", c.id))
		},
	})

	if !r.conns.Register(c.id, c) {
		c.sched.Finalize()
		return nil, errors.ResourceClosed(errors.PhaseRuntime)
	}

	r.log.Info("opening connection",
		zap.String("id", c.id),
		zap.String("driver", driverName),
		zap.String("path", path))

	c.sched.Open(path, mode, o.callback)
	return c, nil
}

// Close force-finalizes every live connection and shuts the runtime down.
// Well-behaved callers have released their connections already; Close
// exists so host teardown never leaks native handles. ctx bounds how long
// Close waits for native closes to finish.
func (r *Runtime) Close(ctx context.Context) error {
	var pending []*Conn
	r.conns.Each(func(id string, value any) bool {
		if c, ok := value.(*Conn); ok {
			pending = append(pending, c)
		}
		return true
	})

	var err error
	for _, c := range pending {
		r.log.Warn("force-finalizing connection at shutdown", zap.String("id", c.ID()))
		c.sched.Finalize()
	}
	for _, c := range pending {
		select {
		case <-c.Done():
		case <-ctx.Done():
			err = multierr.Append(err, errors.Wrap(errors.PhaseFinalize, errors.KindDriver,
				ctx.Err(), "connection "+c.ID()+" did not finalize"))
		}
	}

	return multierr.Append(err, r.conns.Close())
}
