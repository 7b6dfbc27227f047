package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/config"
	"github.com/pseegers/mendel/database"
	"github.com/pseegers/mendel/deployer"
	"github.com/pseegers/mendel/heavyset"
	"github.com/pseegers/mendel/tracking"
	"github.com/pseegers/mendel/utils"
)

var version = "dev"

func usage(w io.Writer) {
	fmt.Fprintf(w, `mendel - service deployment (version %s)

Usage:
  mendel [options] <group> <command>[:arg]
  mendel [options] <command>

Group commands:
  build                    Build the bundle locally
  upload                   Ship the bundle to each host
  install                  Unpack and activate the uploaded bundle
  deploy[:version]         Build, upload, install and restart
  rollback                 Point current at an earlier release
  tail[:log]               Follow a service log (one host only)
  service:<cmd>            start, stop, restart or status (also bare start/stop/restart/status)
  link-latest              Point current at the newest release directory
  history[:n]              Show the last n recorded events for the service

Commands:
  init                     Write a starter mendel.yml
  hosts                    List configured host groups
  heavyset:up|down         Start or remove the local systemd test host
  version                  Print the version

Options:
`, version)
}

type options struct {
	file     string
	hosts    string
	port     int
	parallel int
	yes      bool

	initName    string
	initBundle  string
	initProject string
}

func parseFlags(args []string, stderr io.Writer) (options, []string, error) {
	var o options
	fs := flag.NewFlagSet("mendel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		usage(stderr)
		fs.PrintDefaults()
	}
	fs.StringVar(&o.file, "f", config.DefaultFile, "service config file")
	fs.StringVar(&o.hosts, "H", "", "comma-separated hosts, overriding the group's hosts")
	fs.IntVar(&o.port, "port", config.DefaultSSHPort, "ssh port for -H hosts")
	fs.IntVar(&o.parallel, "parallel", 1, "hosts to work on at once")
	fs.BoolVar(&o.yes, "y", false, "accept the default rollback target without prompting")
	fs.StringVar(&o.initName, "name", "", "init: service name")
	fs.StringVar(&o.initBundle, "bundle", string(common.BundleRemoteJar), "init: bundle type")
	fs.StringVar(&o.initProject, "project", string(common.ProjectJava), "init: project type")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return o, nil, err
		}
		return o, nil, fmt.Errorf("%w: %v", common.ErrUsage, err)
	}
	return o, fs.Args(), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, rest, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err == nil {
		var inv invocation
		if inv, err = parseInvocation(rest); err == nil {
			err = dispatch(ctx, opts, inv, stdin, stdout)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if errors.Is(err, common.ErrUsage) {
			usage(stderr)
		}
	}
	return common.ExitCode(err)
}

func dispatch(ctx context.Context, opts options, inv invocation, stdin io.Reader, stdout io.Writer) error {
	switch inv.verb {
	case "version":
		fmt.Fprintln(stdout, version)
		return nil
	case "init":
		if err := config.WriteScaffold(opts.file, config.InitOptions{
			ServiceName: opts.initName,
			BundleType:  opts.initBundle,
			ProjectType: opts.initProject,
		}); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", opts.file)
		return nil
	case "heavyset":
		return runHeavyset(ctx, inv.arg)
	}

	global, err := config.LoadGlobal()
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.file, global)
	if err != nil {
		return err
	}
	if inv.verb == "hosts" {
		for _, g := range cfg.HostGroups {
			fmt.Fprintln(stdout, g.String())
		}
		return nil
	}

	store, err := database.OpenFromEnv(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if inv.verb == "history" {
		n, err := historyLimit(inv.arg)
		if err != nil {
			return err
		}
		entries, err := store.Recent(ctx, cfg.TrackingName(), n)
		if err != nil {
			return err
		}
		return database.WriteEntries(stdout, entries)
	}

	hosts, err := targetHosts(cfg, opts, inv.group)
	if err != nil {
		return err
	}

	var prompter deployer.Prompter = deployer.NewStdinPrompter(stdin, stdout)
	if opts.yes {
		prompter = acceptDefault{}
	}
	d, err := deployer.New(cfg, deployer.Options{
		Dispatcher: newDispatcher(cfg, store),
		Prompter:   prompter,
		Out:        stdout,
	})
	if err != nil {
		return err
	}
	common.InfoLog("mendel %s: %s %s on %d host(s), run %s", version, inv.verb, inv.group, len(hosts), d.RunID())

	sshCfg := utils.SSHConfigFromEnv()
	defer utils.SSHPool.CloseAll()
	runner := &deployer.Runner{
		Dial:     func(h common.Host) utils.Connection { return utils.NewSSHConnection(h, sshCfg) },
		Parallel: opts.parallel,
	}
	return runVerb(ctx, d, runner, hosts, inv, stdout)
}

// runVerb applies a group verb to hosts.
func runVerb(ctx context.Context, d *deployer.Deployer, runner *deployer.Runner, hosts []common.Host, inv invocation, stdout io.Writer) error {
	switch inv.verb {
	case "build":
		return runner.Each(ctx, hosts[:min(1, len(hosts))], d.Build)
	case "upload":
		return runner.Each(ctx, hosts, func(ctx context.Context, c utils.Connection) error {
			_, err := d.Upload(ctx, c)
			return err
		})
	case "install":
		return runner.Each(ctx, hosts, d.Install)
	case "deploy":
		return runner.Deploy(ctx, d, hosts, inv.arg)
	case "rollback":
		// rollback prompts, one host at a time
		sequential := &deployer.Runner{Dial: runner.Dial}
		return sequential.Each(ctx, hosts, d.Rollback)
	case "tail":
		return d.Tail(ctx, runner.Connections(hosts), inv.arg, stdout)
	case "service":
		return runner.Each(ctx, hosts, func(ctx context.Context, c utils.Connection) error {
			out, err := d.ServiceControl(ctx, c, inv.arg)
			if out != "" {
				fmt.Fprintf(stdout, "[%s] %s\n", c.Host().Name, out)
			}
			return err
		})
	case "link-latest":
		return runner.Each(ctx, hosts, d.LinkLatest)
	}
	return fmt.Errorf("%w: unknown command %q", common.ErrUsage, inv.verb)
}

func targetHosts(cfg *config.ServiceConfig, opts options, group string) ([]common.Host, error) {
	if opts.hosts != "" {
		return config.SplitHosts(opts.hosts, opts.port).Targets(), nil
	}
	g, err := cfg.HostGroup(group)
	if err != nil {
		return nil, err
	}
	return g.Targets(), nil
}

// newDispatcher wires every configured tracker. Unconfigured sinks skip themselves.
func newDispatcher(cfg *config.ServiceConfig, store *database.Store) *tracking.Dispatcher {
	disp := tracking.NewDispatcher(
		&tracking.GraphiteSink{Host: cfg.GraphiteHost},
		&tracking.APISink{Endpoint: cfg.TrackEventEndpoint},
		&tracking.SlackSink{URL: cfg.SlackURL, Emoji: cfg.SlackEmoji},
	)
	if store != nil {
		disp.Add(&database.HistorySink{Store: store})
	}
	return disp
}

func runHeavyset(ctx context.Context, action string) error {
	fixture, cleanup, err := heavyset.Connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	if action == "down" {
		return fixture.Down(ctx)
	}
	return fixture.Up(ctx)
}

// acceptDefault answers every prompt with an empty line.
type acceptDefault struct{}

func (acceptDefault) Prompt(string) (string, error) { return "", nil }
