//go:build linux

// Command projfs mounts a projected view of a directory. Creations,
// deletions and directory enumerations in the view are reported to an event
// handler, which is either driven by a rules file or connected remotely
// over gRPC.
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

	_ "net/http/pprof" // anonymous import to get the pprof handler registered

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rfratto/projfs/internal/cmdutil"
	"github.com/rfratto/projfs/projfsd"
	"github.com/spf13/pflag"
)

type config struct {
	LogLevel       cmdutil.LogLevel `yaml:"log_level"`
	HTTPListenAddr string           `yaml:"http_listen_addr"`
	Daemon         projfsd.Options  `yaml:",inline"`
}

func main() {
	cfg := config{
		HTTPListenAddr: "127.0.0.1:8080",
		Daemon:         projfsd.DefaultOptions,
	}
	var configFile string

	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <lower-dir> <mountpoint>\n", os.Args[0])
		fs.PrintDefaults()
	}
	fs.StringVar(&configFile, "config.file", "", "YAML file to load configuration from. Flags override values from the file.")
	fs.Var(&cfg.LogLevel, "log.level", "Level to display logs at")
	fs.StringVar(&cfg.HTTPListenAddr, "http.listen-addr", cfg.HTTPListenAddr, "address to serve metrics and pprof on")

	o := &cfg.Daemon
	fs.StringVar(&o.ListenAddr, "grpc.listen-addr", o.ListenAddr, "address to accept remote handlers on (tcp:// or unix://). Empty disables remote handlers")
	fs.IntVar(&o.LockTimeoutMS, "lock.timeout-ms", o.LockTimeoutMS, "milliseconds to wait for a path lock before failing with EAGAIN")
	fs.StringVar(&o.RulesFile, "rules.file", o.RulesFile, "YAML file with scripted handler rules, reloaded on change")
	fs.StringVar(&o.EventLog, "event-log", o.EventLog, "file to append event lines to")
	fs.StringVar(&o.ErrorLog, "error-log", o.ErrorLog, "file to append handler error lines to")
	fs.BoolVar(&o.Xattrs, "xattrs", o.Xattrs, "persist projection flags as extended attributes on the lower directory")
	fs.BoolVar(&o.AllowOther, "allow-other", o.AllowOther, "allow other users to access the mount")
	fs.BoolVar(&o.FuseDebug, "fuse.debug", o.FuseDebug, "log raw FUSE traffic")
	fs.BoolVar(&o.LogEvents, "log-events", os.Getenv("PROJFS_LOG_EVENTS") != "", "log every dispatched event")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err)
		os.Exit(1)
	}
	if configFile != "" {
		if err := cmdutil.ApplyConfigFile(fs, configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %s\n", err)
			os.Exit(1)
		}
	}

	switch fs.NArg() {
	case 2:
		o.LowerDir, o.Mountpoint = fs.Arg(0), fs.Arg(1)
	case 0:
		if o.LowerDir != "" && o.Mountpoint != "" {
			break
		}
		fallthrough
	default:
		fs.Usage()
		os.Exit(1)
	}

	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	l = level.NewFilter(l, cfg.LogLevel.FilterOption())
	l = log.With(l, "ts", log.DefaultTimestamp, "caller", log.DefaultCaller)

	if err := runDaemon(l, cfg); err != nil {
		level.Error(l).Log("msg", "error running projfs", "err", err)
		os.Exit(1)
	}
}

func runDaemon(l log.Logger, cfg config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	var group run.Group

	// Information server worker
	{
		lis, err := net.Listen("tcp", cfg.HTTPListenAddr)
		if err != nil {
			return fmt.Errorf("failed to create listener for HTTP server: %w", err)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		r.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
		srv := http.Server{Handler: r}

		group.Add(func() error {
			level.Debug(l).Log("msg", "listening for http traffic", "addr", lis.Addr())
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}

	// projfsd worker
	{
		d, err := projfsd.New(l, cfg.Daemon, reg)
		if err != nil {
			return fmt.Errorf("failed to create projfsd: %w", err)
		}

		group.Add(func() error {
			return d.Start()
		}, func(_ error) {
			if err := d.Stop(); err != nil {
				level.Warn(l).Log("msg", "error while stopping projfsd", "err", err)
			}
		})
	}

	// signal worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-ctx.Done():
			}
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	return group.Run()
}
