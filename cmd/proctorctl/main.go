// proctorctl is the operator CLI for proctord.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"proctord/internal/config"
)

type command struct {
	name    string
	summary string
	run     func(env *env, args []string) error
}

// env carries global flags and output streams to every command.
type env struct {
	configPath string
	daemonURL  string
	stdout     io.Writer
	stderr     io.Writer
}

func (e *env) loadConfig() (*config.Config, error) {
	path := e.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

var commands = []command{
	{"sessions", "List recorded sessions from the audit store", cmdSessions},
	{"events", "Print the audit trail of a session", cmdEvents},
	{"prune", "Delete ended sessions older than the retention window", cmdPrune},
	{"live", "List sessions of a running daemon", cmdLive},
	{"terminate", "Terminate a live session", cmdTerminate},
	{"config", "Validate, print or create configuration files", cmdConfig},
}

func main() {
	e := &env{stdout: os.Stdout, stderr: os.Stderr}
	if err := run(e, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "proctorctl: %v\n", err)
		os.Exit(1)
	}
}

func run(e *env, args []string) error {
	flags := pflag.NewFlagSet("proctorctl", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(e.stderr)
	flags.StringVarP(&e.configPath, "config", "c", "", "path to config file")
	flags.StringVar(&e.daemonURL, "daemon", "", "base URL of a running daemon (default: from server.addr)")
	flags.Usage = func() { usage(e.stderr, flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if flags.NArg() < 1 {
		usage(e.stderr, flags)
		return errors.New("missing command")
	}

	name := flags.Arg(0)
	if name == "help" {
		usage(e.stdout, flags)
		return nil
	}
	for _, c := range commands {
		if c.name == name {
			return c.run(e, flags.Args()[1:])
		}
	}
	usage(e.stderr, flags)
	return fmt.Errorf("unknown command %q", name)
}

func usage(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintln(w, "proctorctl - operator CLI for proctord")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: proctorctl [options] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprint(w, flags.FlagUsages())
}
