package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"proctord/internal/config"
	"proctord/internal/session"
	"proctord/internal/store"
)

func newFlags(e *env, name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("proctorctl "+name, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func parse(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *env) openStore() (*store.Store, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Enabled {
		return nil, errors.New("audit store disabled in configuration")
	}
	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	return store.Open(cfg.Storage.Path)
}

func formatNs(ns int64) string {
	return time.Unix(0, ns).Local().Format("2006-01-02 15:04:05")
}

func cmdSessions(e *env, args []string) error {
	fs := newFlags(e, "sessions")
	limit := fs.IntP("limit", "n", 20, "number of sessions to show, 0 for all")
	asJSON := fs.Bool("json", false, "print JSON")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListSessions(*limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(e.stdout, list)
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tENDED\tOUTCOME")
	for _, s := range list {
		ended, outcome := "-", "running"
		if s.EndedAtNs != nil {
			ended = formatNs(*s.EndedAtNs)
			outcome = "ended"
			if s.Terminated {
				outcome = "terminated: " + s.Reason
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, formatNs(s.StartedAtNs), ended, outcome)
	}
	return tw.Flush()
}

func cmdEvents(e *env, args []string) error {
	fs := newFlags(e, "events")
	asJSON := fs.Bool("json", false, "print JSON")
	summary := fs.Bool("summary", false, "print counts per event kind")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: proctorctl events [--json] [--summary] <session-id>")
	}
	id := fs.Arg(0)

	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.GetSession(id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", id)
	}

	if *summary {
		counts, err := st.CountEventsByKind(id)
		if err != nil {
			return err
		}
		if *asJSON {
			return writeJSON(e.stdout, counts)
		}
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(e.stdout, "%-20s %d\n", k, counts[k])
		}
		return nil
	}

	events, err := st.GetSessionEvents(id)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(e.stdout, events)
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tCATEGORY\tGROUP\tDETAIL")
	for _, ev := range events {
		detail := ev.Detail
		if ev.Reason != "" {
			detail = ev.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatNs(ev.TimestampNs), ev.Kind, dash(ev.Category), dash(ev.Group), dash(detail))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cmdPrune(e *env, args []string) error {
	fs := newFlags(e, "prune")
	days := fs.Int("days", 0, "retention in days (default: storage.retention_days)")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	retention := cfg.Storage.RetentionDays
	if fs.Changed("days") {
		retention = *days
	}
	if retention <= 0 {
		return errors.New("retention must be positive")
	}

	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.PruneBefore(time.Now().AddDate(0, 0, -retention))
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Pruned %d sessions older than %d days\n", n, retention)
	return nil
}

// baseURL resolves the daemon's HTTP address.
func (e *env) baseURL() (string, error) {
	if e.daemonURL != "" {
		return strings.TrimRight(e.daemonURL, "/"), nil
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Server.Addr, nil
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func cmdLive(e *env, args []string) error {
	fs := newFlags(e, "live")
	asJSON := fs.Bool("json", false, "print JSON")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	base, err := e.baseURL()
	if err != nil {
		return err
	}
	resp, err := httpClient.Get(base + "/api/sessions")
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}

	var list []session.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if *asJSON {
		return writeJSON(e.stdout, list)
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tFACES\tAUDIO\tEXITS\tBLOCKED")
	for _, s := range list {
		state := "idle"
		switch {
		case s.State.Terminated:
			state = "terminated"
		case s.State.Active:
			state = "active"
		case !s.EndedAt.IsZero():
			state = "ended"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%d\t%d\n", s.ID, state, s.FaceCount, s.AudioLevel, s.FullscreenExits, s.BlockedAttempts)
	}
	return tw.Flush()
}

func cmdTerminate(e *env, args []string) error {
	fs := newFlags(e, "terminate")
	reason := fs.StringP("reason", "r", "", "reason shown to the candidate")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: proctorctl terminate [--reason text] <session-id>")
	}

	base, err := e.baseURL()
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"reason": *reason})
	if err != nil {
		return err
	}
	target := base + "/api/sessions/" + url.PathEscape(fs.Arg(0)) + "/terminate"
	resp, err := httpClient.Post(target, "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return httpError(resp)
	}
	fmt.Fprintf(e.stdout, "Session %s terminated\n", fs.Arg(0))
	return nil
}

func httpError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
}

func cmdConfig(e *env, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: proctorctl config <validate|show|init|snapshot> [args]")
	}

	switch args[0] {
	case "validate":
		return configValidate(e, args[1:])
	case "show":
		cfg, err := e.loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.Encode()
		if err != nil {
			return err
		}
		fmt.Fprint(e.stdout, out)
		return nil
	case "init":
		return configInit(e, args[1:])
	case "snapshot":
		st, err := e.openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		snap, err := st.LatestConfigSnapshot()
		if err != nil {
			return err
		}
		if snap == nil {
			return errors.New("no config snapshot recorded")
		}
		fmt.Fprintf(e.stdout, "# version %d, %s, recorded %s\n", snap.Version, snap.Reason, formatNs(snap.CreatedAt))
		fmt.Fprint(e.stdout, snap.Data)
		return nil
	default:
		return fmt.Errorf("unknown config command %q", args[0])
	}
}

func configValidate(e *env, args []string) error {
	path := e.configPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return errors.New("no config file found")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	err = config.ValidateConfig(cfg)
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		for _, w := range verrs.Warnings() {
			fmt.Fprintf(e.stdout, "warning: %s\n", w.Error())
		}
		if !verrs.HasErrors() {
			err = nil
		}
	}
	if err != nil {
		return err
	}
	if _, err := cfg.ToSession(); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s: ok\n", path)
	return nil
}

func configInit(e *env, args []string) error {
	fs := newFlags(e, "config init")
	force := fs.Bool("force", false, "overwrite an existing file")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	path := config.ConfigPath()
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s exists, use --force to overwrite", path)
	}
	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Wrote default configuration to %s\n", path)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
