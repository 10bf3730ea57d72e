// Command ggipc drives the nucleus IPC client from a shell: connect, defer or
// pause component updates, watch update events and report lifecycle state.
//
//	ggipc [-config file] [-v] <command> [flags]
//
// Configuration comes from the environment the nucleus sets for a component,
// optionally layered over a YAML file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/greengrass"
	"github.com/ggoodman/nucleus-ipc-go/notify"
	"github.com/ggoodman/nucleus-ipc-go/notify/mqttnotify"
	"github.com/ggoodman/nucleus-ipc-go/notify/redisnotify"
)

const usage = `usage: ggipc [-config file] [-v] <command> [flags]

commands:
  connect                 connect and disconnect
  defer [-recheck d]      defer the pending component update
  watch [-redis|-mqtt]    print (or relay) component update events
  pause [-recheck d]      defer every update until interrupted
  state RUNNING|ERRORED   report the component lifecycle state
  schema                  print the JSON schema of every payload
`

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ggipc:", err)
		os.Exit(1)
	}
}

type app struct {
	cfgPath string
	verbose bool
	out     io.Writer
	log     *slog.Logger
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("ggipc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }

	a := &app{out: stdout}
	fs.StringVar(&a.cfgPath, "config", "", "YAML config file (environment overrides it)")
	fs.BoolVar(&a.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	a.log = slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, cargs := rest[0], rest[1:]
	switch cmd {
	case "connect":
		return a.connect(ctx, cargs)
	case "defer":
		return a.deferUpdate(ctx, cargs)
	case "watch":
		return a.watch(ctx, cargs)
	case "pause":
		return a.pause(ctx, cargs)
	case "state":
		return a.state(ctx, cargs)
	case "schema":
		return a.schema()
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) client(ctx context.Context) (*greengrass.Client, error) {
	var (
		cfg greengrass.Config
		err error
	)
	if a.cfgPath != "" {
		cfg, err = greengrass.LoadConfig(a.cfgPath)
	} else {
		cfg, err = greengrass.ConfigFromEnv()
	}
	if err != nil {
		return nil, err
	}
	c, err := greengrass.NewClient(cfg, greengrass.WithLogger(a.log))
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (a *app) connect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	start := time.Now()
	c, err := a.client(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Fprintf(a.out, "connected to %s in %s\n", c.Config().SocketPath, time.Since(start).Round(time.Millisecond))
	return nil
}

func (a *app) deferUpdate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("defer", flag.ContinueOnError)
	recheck := fs.Duration("recheck", time.Minute, "how long until the nucleus asks again (0 lets the update proceed)")
	deployment := fs.String("deployment", "", "deployment id (default: wait for the next pre-update event)")
	message := fs.String("message", "", "reason recorded with the deferral")
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for a pre-update event when -deployment is unset")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := a.client(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	id := *deployment
	if id == "" {
		ch := notify.NewChannel()
		wake := ch.Subscriber()
		sub, err := c.SubscribeToComponentUpdates(ctx, ch)
		if err != nil {
			return err
		}
		defer sub.Close()

		wctx, cancel := context.WithTimeout(ctx, *wait)
		defer cancel()
		select {
		case <-wctx.Done():
			return fmt.Errorf("no pre-update event within %s", *wait)
		case _, ok := <-wake:
			if !ok {
				return fmt.Errorf("subscription ended: %v", sub.Err())
			}
		}
		ev, _ := ch.Latest()
		id = ev.ID
	}

	opts := []greengrass.DeferOption{greengrass.WithDeploymentID(id)}
	if *message != "" {
		opts = append(opts, greengrass.WithMessage(*message))
	}
	if err := c.DeferComponentUpdate(ctx, uint64(*recheck/time.Millisecond), opts...); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deferred %s by %s\n", id, *recheck)
	return nil
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	toRedis := fs.Bool("redis", false, "relay events to a Redis stream (REDIS_ADDR, GGIPC_REDIS_STREAM)")
	toMQTT := fs.Bool("mqtt", false, "relay events to an MQTT topic (GGIPC_MQTT_BROKER, GGIPC_MQTT_TOPIC)")
	all := fs.Bool("all", false, "include post-update events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *toRedis && *toMQTT {
		return errors.New("-redis and -mqtt are mutually exclusive")
	}

	var (
		n   notify.Notifier
		err error
	)
	switch {
	case *toRedis:
		var rn *redisnotify.Notifier
		if rn, err = redisnotify.NewFromEnv(); err == nil {
			a.log.Info("watch.relay", slog.String("redis_stream", rn.Stream()))
			n = rn
		}
	case *toMQTT:
		var mn *mqttnotify.Notifier
		if mn, err = mqttnotify.NewFromEnv(); err == nil {
			a.log.Info("watch.relay", slog.String("mqtt_topic", mn.Topic()))
			n = mn
		}
	default:
		enc := json.NewEncoder(a.out)
		n = notify.Func(func(_ context.Context, ev notify.Event) error {
			return enc.Encode(ev)
		})
	}
	if err != nil {
		return err
	}

	c, err := a.client(ctx)
	if err != nil {
		_ = n.Close()
		return err
	}
	defer c.Close()

	var opts []greengrass.SubscribeOption
	if *all {
		opts = append(opts, greengrass.WithPostUpdateEvents())
	}
	sub, err := c.SubscribeToComponentUpdates(ctx, n, opts...)
	if err != nil {
		return err
	}
	defer sub.Close()

	select {
	case <-ctx.Done():
		return nil
	case <-sub.Done():
		if d := sub.Dropped(); d > 0 {
			a.log.Warn("watch.dropped", slog.Uint64("count", d))
		}
		return sub.Err()
	}
}

func (a *app) pause(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pause", flag.ContinueOnError)
	recheck := fs.Duration("recheck", greengrass.DefaultPauseRecheck, "deferral applied to each pre-update event")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := a.client(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	p, err := c.PauseComponentUpdates(ctx, *recheck)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		p.Resume()
	case <-p.Done():
	}
	fmt.Fprintf(a.out, "deferred %d update(s)\n", p.Deferred())
	return p.Err()
}

func (a *app) state(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("state: expected RUNNING or ERRORED")
	}
	st, err := greengrass.ParseLifecycleState(args[0])
	if err != nil {
		return err
	}
	c, err := a.client(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.UpdateState(ctx, st)
}

func (a *app) schema() error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(greengrass.Schemas())
}
