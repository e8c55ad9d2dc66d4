package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/config"
	"proctord/internal/session"
	"proctord/internal/store"
)

type fixture struct {
	env        *env
	stdout     *bytes.Buffer
	configPath string
	dbPath     string
	daemonURL  string
}

// run invokes the CLI with the fixture's global flags.
func (f *fixture) run(args ...string) error {
	global := []string{"--config", f.configPath}
	if f.daemonURL != "" {
		global = append(global, "--daemon", f.daemonURL)
	}
	return run(f.env, append(global, args...))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PROCTORD_DATA_DIR", dir)

	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "audit.db")
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveConfig(cfg, configPath))

	stdout := &bytes.Buffer{}
	return &fixture{
		env:        &env{stdout: stdout, stderr: &bytes.Buffer{}},
		stdout:     stdout,
		configPath: configPath,
		dbPath:     cfg.Storage.Path,
	}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	st, err := store.Open(f.dbPath)
	require.NoError(t, err)
	defer st.Close()

	old := time.Now().AddDate(0, 0, -200)
	require.NoError(t, st.StartSession("old", old))
	require.NoError(t, st.EndSession("old", old.Add(time.Hour), false, ""))

	now := time.Now()
	require.NoError(t, st.StartSession("recent", now.Add(-time.Hour)))
	_, err = st.InsertEvent(&store.Event{SessionID: "recent", Kind: "warning", TimestampNs: now.Add(-50 * time.Minute).UnixNano(), Category: "face_absent", Group: "face"})
	require.NoError(t, err)
	_, err = st.InsertEvent(&store.Event{SessionID: "recent", Kind: "warning", TimestampNs: now.Add(-40 * time.Minute).UnixNano(), Category: "noise", Group: "noise"})
	require.NoError(t, err)
	_, err = st.InsertEvent(&store.Event{SessionID: "recent", Kind: "terminated", TimestampNs: now.UnixNano(), Reason: "Developer tools were opened during the test."})
	require.NoError(t, err)
	require.NoError(t, st.EndSession("recent", now, true, "Developer tools were opened during the test."))
}

func TestRunUnknownCommand(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.run("bogus"))
	assert.Error(t, f.run())
	assert.NoError(t, f.run("help"))
	assert.Contains(t, f.stdout.String(), "terminate")
}

func TestSessionsAndEvents(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	require.NoError(t, f.run("sessions"))
	out := f.stdout.String()
	assert.Contains(t, out, "recent")
	assert.Contains(t, out, "terminated: Developer tools")
	assert.Contains(t, out, "old")

	f.stdout.Reset()
	require.NoError(t, f.run("events", "recent"))
	assert.Contains(t, f.stdout.String(), "face_absent")

	f.stdout.Reset()
	require.NoError(t, f.run("events", "--summary", "--json", "recent"))
	var counts map[string]int
	require.NoError(t, json.Unmarshal(f.stdout.Bytes(), &counts))
	assert.Equal(t, 2, counts["warning"])
	assert.Equal(t, 1, counts["terminated"])

	assert.Error(t, f.run("events", "missing"))
	assert.Error(t, f.run("events"))
}

func TestPrune(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	require.NoError(t, f.run("prune"))
	assert.Contains(t, f.stdout.String(), "Pruned 1 sessions")

	f.stdout.Reset()
	require.NoError(t, f.run("sessions", "--json"))
	var list []store.Session
	require.NoError(t, json.Unmarshal(f.stdout.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "recent", list[0].ID)

	assert.Error(t, f.run("prune", "--days", "0"))
}

func TestStoreMissing(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.run("sessions"))
}

func TestConfigCommands(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.run("config", "validate"))
	assert.Contains(t, f.stdout.String(), ": ok")

	f.stdout.Reset()
	require.NoError(t, f.run("config", "show"))
	assert.Contains(t, f.stdout.String(), "[server]")

	target := filepath.Join(t.TempDir(), "new.yaml")
	require.NoError(t, f.run("config", "init", target))
	assert.Error(t, f.run("config", "init", target))
	require.NoError(t, f.run("config", "init", "--force", target))
	require.NoError(t, f.run("config", "validate", target))

	assert.Error(t, f.run("config"))
	assert.Error(t, f.run("config", "bogus"))
}

func TestConfigSnapshot(t *testing.T) {
	f := newFixture(t)
	st, err := store.Open(f.dbPath)
	require.NoError(t, err)
	_, err = st.SaveConfigSnapshot(config.Version, "version = 1\n", "startup")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	require.NoError(t, f.run("config", "snapshot"))
	assert.Contains(t, f.stdout.String(), "startup")
	assert.Contains(t, f.stdout.String(), "version = 1")
}

func TestLiveAndTerminate(t *testing.T) {
	f := newFixture(t)

	var terminated string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]session.Snapshot{
			{ID: "s1", State: session.State{Active: true}, FaceCount: 1},
			{ID: "s2", State: session.State{Terminated: true, Reason: "x"}},
		})
	})
	mux.HandleFunc("POST /api/sessions/{id}/terminate", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if r.PathValue("id") != "s1" {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		terminated = body.Reason
		w.WriteHeader(http.StatusAccepted)
	})
	hs := httptest.NewServer(mux)
	defer hs.Close()
	f.daemonURL = hs.URL + "/"

	require.NoError(t, f.run("live"))
	out := f.stdout.String()
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "active")
	assert.Contains(t, out, "terminated")

	require.NoError(t, f.run("terminate", "-r", "Phone on desk.", "s1"))
	assert.Equal(t, "Phone on desk.", terminated)

	err := f.run("terminate", "s9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
