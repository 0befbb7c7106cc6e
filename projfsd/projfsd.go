//go:build linux

// Package projfsd implements the projfs daemon. projfsd mounts a projected
// view of a lower directory and optionally exposes the event handler slot
// over gRPC so that a remote process can act as the handler.
package projfsd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/projfs/internal/cmdutil"
	"github.com/rfratto/projfs/internal/projfs/dispatch"
	"github.com/rfratto/projfs/internal/projfs/engine"
	"github.com/rfratto/projfs/internal/projfs/fuse"
	"github.com/rfratto/projfs/internal/projfs/grpcprojfs"
	"github.com/rfratto/projfs/internal/projfs/projection"
	"google.golang.org/grpc"
)

// DefaultOptions is the set of defaults for projfsd.
var DefaultOptions = Options{
	ListenAddr:    "tcp://127.0.0.1:12195",
	LockTimeoutMS: int(engine.DefaultLockTimeout / time.Millisecond),
	Xattrs:        true,
}

type Options struct {
	ListenAddr    string `yaml:"grpc_listen_addr"` // Address to listen for remote handlers. Empty disables gRPC.
	LowerDir      string `yaml:"lower_dir"`        // Directory backing the mount.
	Mountpoint    string `yaml:"mountpoint"`       // Where to mount the projected view.
	LockTimeoutMS int    `yaml:"lock_timeout_ms"`  // Path lock timeout in milliseconds.
	RulesFile     string `yaml:"rules_file"`       // Scripted handler rules, reloaded on change.
	EventLog      string `yaml:"event_log"`        // File receiving event lines.
	ErrorLog      string `yaml:"error_log"`        // File receiving handler error lines.
	Xattrs        bool   `yaml:"xattrs"`           // Persist projection flags as xattrs on the lower directory.
	AllowOther    bool   `yaml:"allow_other"`      // Allow other users to access the mount.
	FuseDebug     bool   `yaml:"fuse_debug"`       // Log raw FUSE traffic.
	LogEvents     bool   `yaml:"log_events"`       // Log every dispatched event.
}

// Daemon is the projfs daemon.
type Daemon struct {
	log  log.Logger
	opts Options

	lis net.Listener // nil when gRPC is disabled
	srv *grpc.Server

	engine   *engine.Engine
	lazy     *dispatch.LazyHandler
	scripted *dispatch.ScriptedHandler

	mountMut sync.Mutex
	mount    *gofuse.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Daemon. Metrics are registered to reg when non-nil.
func New(l log.Logger, o Options, reg prometheus.Registerer) (d *Daemon, err error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if err := cmdutil.ExpandPaths(&o.LowerDir, &o.Mountpoint, &o.RulesFile, &o.EventLog, &o.ErrorLog); err != nil {
		return nil, err
	}
	switch {
	case o.LowerDir == "":
		return nil, errors.New("lower directory is required")
	case o.Mountpoint == "":
		return nil, errors.New("mountpoint is required")
	}

	// Resources opened below are closed if New fails part way through.
	var closers []io.Closer
	defer func() {
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
		}
	}()

	var rules []dispatch.Rule
	if o.RulesFile != "" {
		rules, err = dispatch.LoadRulesFile(o.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("loading rules: %w", err)
		}
	}
	scripted, err := dispatch.NewScriptedHandler(log.With(l, "component", "scripted_handler"), rules)
	if err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	lazy := &dispatch.LazyHandler{Default: scripted}

	eventLog, err := openLog(o.EventLog)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	} else if eventLog != nil {
		closers = append(closers, eventLog)
	}
	errorLog, err := openLog(o.ErrorLog)
	if err != nil {
		return nil, fmt.Errorf("opening error log: %w", err)
	} else if errorLog != nil {
		closers = append(closers, errorLog)
	}

	var store projection.AttrStore = &projection.MemoryStore{}
	if o.Xattrs {
		xs, err := projection.NewXattrStore(o.LowerDir)
		if err != nil {
			return nil, fmt.Errorf("lower directory can't hold projection flags (disable xattrs to keep them in memory): %w", err)
		}
		store = xs
	}

	middleware := []dispatch.Middleware{dispatch.NewMetricsMiddleware(reg)}
	if o.LogEvents {
		middleware = append(middleware, dispatch.NewLoggingMiddleware(l))
	}

	eng, err := engine.New(log.With(l, "component", "engine"), engine.Options{
		LockTimeout: time.Duration(o.LockTimeoutMS) * time.Millisecond,
		Handler:     lazy,
		Middleware:  middleware,
		Store:       store,
		EventLog:    writerOrNil(eventLog),
		ErrorLog:    writerOrNil(errorLog),
		Registerer:  reg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	d = &Daemon{
		log:      l,
		opts:     o,
		engine:   eng,
		lazy:     lazy,
		scripted: scripted,
		ctx:      ctx,
		cancel:   cancel,
	}

	if o.ListenAddr != "" {
		d.lis, err = listen(o.ListenAddr)
		if err != nil {
			return nil, err
		}
		closers = append(closers, d.lis)

		d.srv = grpc.NewServer(
			grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(l)),
			grpc.ChainStreamInterceptor(loggingStreamingInterceptor(l)),
		)
		grpcprojfs.RegisterHandlerServer(d.srv, grpcprojfs.NewService(l, lazy, eng))
	}
	return d, nil
}

func listen(addr string) (net.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("cannot parse listen addr %q as url: %w", addr, err)
	}

	address, err := homedir.Expand(u.Host + u.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid listen addr: %w", err)
	}

	lis, err := net.Listen(u.Scheme, address)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s listener %s: %w", u.Scheme, address, err)
	}
	return lis, nil
}

// openLog opens filename for appending. An empty filename returns nil.
func openLog(filename string) (*os.File, error) {
	if filename == "" {
		return nil, nil
	}
	return os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// writerOrNil avoids storing a typed nil *os.File in an io.Writer.
func writerOrNil(f *os.File) io.Writer {
	if f == nil {
		return nil
	}
	return f
}

// Addr returns the address of the gRPC listener, or nil when gRPC is
// disabled.
func (d *Daemon) Addr() net.Addr {
	if d.lis == nil {
		return nil
	}
	return d.lis.Addr()
}

// Start mounts the filesystem and doesn't return until d stops or there's
// an error. Start returns an error if the engine stops after an invariant
// violation or the filesystem is unmounted externally.
func (d *Daemon) Start() error {
	server, err := fuse.Mount(log.With(d.log, "component", "fuse"), fuse.Options{
		Mountpoint: d.opts.Mountpoint,
		LowerDir:   d.opts.LowerDir,
		Engine:     d.engine,
		AllowOther: d.opts.AllowOther,
		Debug:      d.opts.FuseDebug,
	})
	if err != nil {
		return err
	}
	d.mountMut.Lock()
	d.mount = server
	d.mountMut.Unlock()

	errCh := make(chan error, 3)
	go func() {
		server.Wait()
		errCh <- errors.New("filesystem was unmounted")
	}()

	if d.srv != nil {
		level.Info(d.log).Log("msg", "listening for remote handlers", "listen_addr", d.lis.Addr().String())
		go func() { errCh <- d.srv.Serve(d.lis) }()
	}

	if d.opts.RulesFile != "" {
		w := newRulesWatcher(log.With(d.log, "component", "rules_watcher"), d.opts.RulesFile, d.scripted)
		go func() {
			if err := w.run(d.ctx); err != nil {
				errCh <- fmt.Errorf("watching rules: %w", err)
			}
		}()
	}

	level.Info(d.log).Log("msg", "starting projfsd", "lower", d.opts.LowerDir, "mountpoint", d.opts.Mountpoint)

	select {
	case <-d.ctx.Done():
		return nil
	case <-d.engine.Done():
		return d.engine.Err()
	case err := <-errCh:
		if d.ctx.Err() != nil {
			return nil
		}
		return err
	}
}

// Stop stops d, unmounts the filesystem and closes the event logs.
func (d *Daemon) Stop() error {
	d.cancel()

	var errs *multierror.Error
	if d.srv != nil {
		// Events streams stay open until the remote handler leaves, so
		// GracefulStop would hang.
		d.srv.Stop()
	}

	d.mountMut.Lock()
	server := d.mount
	d.mount = nil
	d.mountMut.Unlock()
	if server != nil {
		if err := server.Unmount(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("unmounting: %w", err))
		}
	}

	if err := d.engine.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func loggingUnaryInterceptor(l log.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		level.Debug(l).Log("msg", "received gRPC request", "method", info.FullMethod)
		return handler(ctx, req)
	}
}

func loggingStreamingInterceptor(l log.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		level.Debug(l).Log("msg", "received gRPC request", "method", info.FullMethod)
		return handler(srv, ss)
	}
}
