// proctord serves browser exam sessions over WebSocket and enforces the
// proctoring rules for each of them.
//
//	proctord                     Run with the config found in the standard locations
//	proctord --config path.toml  Run with an explicit config file
//	proctord --print-config      Print the effective configuration and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"proctord/internal/config"
)

var version = "dev"

type options struct {
	configPath  string
	addr        string
	logLevel    string
	printConfig bool
	showVersion bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "proctord: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options

	flags := pflag.NewFlagSet("proctord", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: search standard locations)")
	flags.StringVar(&opts.addr, "addr", "", "listen address, overrides server.addr")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level, overrides logging.level")
	flags.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")
	flags.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if opts.showVersion {
		fmt.Println("proctord", version)
		return nil
	}

	path := opts.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		path = config.ConfigPath()
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	applyFlags(cfg, opts)

	if opts.printConfig {
		out, err := cfg.Encode()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, loader, opts)
	if err != nil {
		loader.Close()
		return err
	}
	return d.run(ctx)
}

// applyFlags lets command line flags win over the file and environment.
func applyFlags(cfg *config.Config, opts options) {
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
}
