// Command projfsctl talks to a running projfs daemon. It can act as the
// daemon's remote event handler or reset the projection state of a
// directory.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mitchellh/go-homedir"
	"github.com/rfratto/projfs/internal/cmdutil"
	"github.com/rfratto/projfs/internal/projfs"
	"github.com/rfratto/projfs/internal/projfs/dispatch"
	"github.com/rfratto/projfs/internal/projfs/grpcprojfs"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %[1]s <command> [flags]

commands:
  handle    act as the remote event handler of a daemon
  reset     reset the projection state of a directory so it is populated again

Run %[1]s <command> --help for command flags.
`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "handle":
		err = handleCommand(args)
	case "reset":
		err = resetCommand(args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

type commonFlags struct {
	addr string
	ll   cmdutil.LogLevel
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	addr := "tcp://127.0.0.1:12195"
	if envAddr := os.Getenv("PROJFS_ADDR"); envAddr != "" {
		addr = envAddr
	}
	fs.StringVar(&c.addr, "addr", addr, "address of the projfs daemon (tcp:// or unix://)")
	fs.Var(&c.ll, "log.level", "Level to display logs at")
}

func (c *commonFlags) logger() log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = level.NewFilter(l, c.ll.FilterOption())
	return log.With(l, "ts", log.DefaultTimestamp)
}

// dial connects to the daemon. unix:// addresses may start with ~.
func (c *commonFlags) dial() (*grpc.ClientConn, error) {
	u, err := url.Parse(c.addr)
	if err != nil {
		return nil, fmt.Errorf("cannot parse addr %q as url: %w", c.addr, err)
	}
	address, err := homedir.Expand(u.Host + u.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid addr: %w", err)
	}

	target := address
	switch u.Scheme {
	case "tcp":
	case "unix":
		target = "unix://" + address
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func handleCommand(args []string) error {
	var (
		common    commonFlags
		rulesFile string
	)
	fs := pflag.NewFlagSet("handle", pflag.ExitOnError)
	common.register(fs)
	fs.StringVar(&rulesFile, "rules.file", "", "YAML file with rules deciding the outcome of events. Events succeed by default")
	if err := fs.Parse(args); err != nil {
		return err
	}

	l := common.logger()

	var rules []dispatch.Rule
	if rulesFile != "" {
		path, err := homedir.Expand(rulesFile)
		if err != nil {
			return err
		}
		rules, err = dispatch.LoadRulesFile(path)
		if err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}
	}
	scripted, err := dispatch.NewScriptedHandler(l, rules)
	if err != nil {
		return err
	}

	cc, err := common.dial()
	if err != nil {
		return err
	}
	defer cc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := dispatch.HandlerFunc(func(ctx context.Context, ev *projfs.Event) error {
		err := dispatch.Invoke(ctx, scripted, ev)
		level.Info(l).Log("msg", "event", "kind", ev.Kind, "path", ev.Path, "target", ev.Target, "pid", ev.Caller.PID, "process", ev.Caller.Name, "result", resultName(err))
		return err
	})

	level.Info(l).Log("msg", "serving as remote handler", "addr", common.addr)
	return grpcprojfs.Serve(ctx, l, cc, h)
}

func resultName(err error) string {
	if err == nil {
		return "ok"
	}
	return projfs.ErrorFor(err).Name()
}

func resetCommand(args []string) error {
	var (
		common  commonFlags
		timeout time.Duration
	)
	fs := pflag.NewFlagSet("reset", pflag.ExitOnError)
	common.register(fs)
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "time to wait for the daemon")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s reset [flags] <dir>", os.Args[0])
	}

	cc, err := common.dial()
	if err != nil {
		return err
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := grpcprojfs.ResetProjection(ctx, cc, fs.Arg(0)); err != nil {
		return fmt.Errorf("resetting %s: %w", fs.Arg(0), err)
	}
	return nil
}
