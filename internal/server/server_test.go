package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hyperengineering/engrammar/internal/config"
	"github.com/hyperengineering/engrammar/internal/search"
	"github.com/hyperengineering/engrammar/internal/types"
	"github.com/hyperengineering/engrammar/pkg/client"
)

type fakeStore struct {
	pinned []types.Engram
}

func (f *fakeStore) PinnedEngrams(ctx context.Context) ([]types.Engram, error) {
	return f.pinned, nil
}

type fakeRetriever struct {
	results []types.SearchResult
	err     error

	lastQuery string
	lastOpts  search.Options
	calls     int
}

func (f *fakeRetriever) Search(ctx context.Context, query string, opts search.Options) ([]types.SearchResult, error) {
	f.calls++
	f.lastQuery = query
	f.lastOpts = opts
	return f.results, f.err
}

type fakeProbe struct {
	env types.Environment
}

func (f *fakeProbe) Detect() types.Environment { return f.env }

// startServer runs a daemon over a temp-home socket and returns a client for
// it. The server is shut down and awaited during cleanup.
func startServer(t *testing.T, st Store, retriever Retriever, probe EnvironmentProbe, mutate func(*config.Config)) *client.Client {
	t.Helper()

	cfg, err := config.LoadFromHome(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv := New(cfg, st, retriever, probe, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	c := client.New(cfg.SocketPath()).WithTimeout(2 * time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, _, err := c.Ping(context.Background()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("daemon did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server exited with error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not exit")
		}
	})
	return c
}

func TestServer_PingAndShutdown(t *testing.T) {
	c := startServer(t, &fakeStore{}, &fakeRetriever{}, &fakeProbe{}, nil)

	uptime, idle, err := c.Ping(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if uptime == "" || idle == "" {
		t.Errorf("expected uptime and idle populated, got %q %q", uptime, idle)
	}
}

func TestServer_SearchRoundTrip(t *testing.T) {
	retriever := &fakeRetriever{results: []types.SearchResult{
		{Engram: types.Engram{ID: 7, Text: "a lesson", Category: "general"}, Score: 0.4},
	}}
	c := startServer(t, &fakeStore{}, retriever, &fakeProbe{}, func(cfg *config.Config) {
		cfg.Search.TopK = 12
	})

	results, err := c.Search(context.Background(), "a lesson", client.Request{
		Session:   "sess-1",
		HookEvent: "prompt",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != 7 || results[0].Score != 0.4 {
		t.Fatalf("unexpected results %v", results)
	}

	if retriever.lastQuery != "a lesson" {
		t.Errorf("unexpected query %q", retriever.lastQuery)
	}
	// An unset top_k falls back to the configured search depth.
	if retriever.lastOpts.TopK != 12 {
		t.Errorf("expected configured top_k 12, got %d", retriever.lastOpts.TopK)
	}
	if retriever.lastOpts.Session != "sess-1" || retriever.lastOpts.HookEvent != "prompt" {
		t.Errorf("unexpected options %+v", retriever.lastOpts)
	}
}

func TestServer_SearchErrorReply(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("index unavailable")}
	c := startServer(t, &fakeStore{}, retriever, &fakeProbe{}, nil)

	if _, err := c.Search(context.Background(), "anything", client.Request{}); err == nil {
		t.Fatal("expected error reply")
	}
}

func TestServer_ToolContext(t *testing.T) {
	retriever := &fakeRetriever{}
	c := startServer(t, &fakeStore{}, retriever, &fakeProbe{}, func(cfg *config.Config) {
		cfg.Hooks.SkipTools = []string{"Read"}
	})

	// Skipped tools short-circuit without touching the retriever.
	if _, err := c.ToolContext(context.Background(), "Read", map[string]any{"file_path": "/x"}, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if retriever.calls != 0 {
		t.Errorf("skipped tool must not run a search, got %d calls", retriever.calls)
	}

	if _, err := c.ToolContext(context.Background(), "Bash", map[string]any{"command": "git push"}, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if retriever.calls != 1 {
		t.Fatalf("expected one search, got %d", retriever.calls)
	}
	if retriever.lastQuery == "" {
		t.Error("expected a derived tool query")
	}
	if retriever.lastOpts.TopK != 3 {
		t.Errorf("expected tool display budget 3, got %d", retriever.lastOpts.TopK)
	}
	if retriever.lastOpts.HookEvent != "tool_use" {
		t.Errorf("expected tool_use hook event, got %q", retriever.lastOpts.HookEvent)
	}
}

func TestServer_PinnedFiltersByEnvironment(t *testing.T) {
	st := &fakeStore{pinned: []types.Engram{
		{ID: 1, Text: "everywhere", Pinned: true},
		{ID: 2, Text: "api repo only", Pinned: true, Prerequisites: types.Prerequisites{Repos: []string{"api"}}},
	}}
	probe := &fakeProbe{env: types.Environment{OS: "linux", Repo: "billing"}}
	c := startServer(t, st, &fakeRetriever{}, probe, nil)

	engrams, err := c.Pinned(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(engrams) != 1 || engrams[0].ID != 1 {
		t.Fatalf("expected prerequisite filtering, got %v", engrams)
	}
}

func TestServer_MalformedAndUnknownRequests(t *testing.T) {
	cfg, err := config.LoadFromHome(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	srv := New(cfg, &fakeStore{}, &fakeRetriever{}, &fakeProbe{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	c := client.New(cfg.SocketPath()).WithTimeout(2 * time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, _, err := c.Ping(context.Background()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Raw malformed line: the daemon answers with an error reply instead of
	// dropping the connection.
	conn, err := net.Dial("unix", cfg.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatal(err)
	}
	var resp client.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if resp.OK() || resp.Error != "malformed request" {
		t.Errorf("unexpected reply %+v", resp)
	}

	// Unknown request type.
	if _, err := c.Do(context.Background(), client.Request{Type: "bogus"}); err == nil {
		t.Error("expected error for unknown request type")
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("server exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("server did not exit")
	}

	// Socket and pid file are cleaned up on exit.
	if _, err := os.Stat(cfg.SocketPath()); !os.IsNotExist(err) {
		t.Error("socket file should be removed")
	}
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Error("pid file should be removed")
	}
}
