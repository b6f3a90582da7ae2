// Package server is the long-lived daemon behind the hooks. It exists to
// amortise embedding warm-up across requests: one process owns the socket,
// handles one newline-framed JSON request per connection, and exits by
// itself once nothing has spoken to it for a while.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/engrammar/internal/config"
	"github.com/hyperengineering/engrammar/internal/search"
	"github.com/hyperengineering/engrammar/internal/types"
	"github.com/hyperengineering/engrammar/pkg/client"
)

// Store is the persistence surface the server needs directly.
type Store interface {
	PinnedEngrams(ctx context.Context) ([]types.Engram, error)
}

// Retriever runs a hybrid search.
type Retriever interface {
	Search(ctx context.Context, query string, opts search.Options) ([]types.SearchResult, error)
}

// EnvironmentProbe supplies the environment for pinned-engram filtering.
type EnvironmentProbe interface {
	Detect() types.Environment
}

// Server owns the socket and serialises all request handling.
type Server struct {
	cfg       *config.Config
	store     Store
	retriever Retriever
	probe     EnvironmentProbe
	logger    *slog.Logger

	startedAt    time.Time
	lastActivity time.Time
	shuttingDown bool

	maint *maintenance
}

// New wires a server.
func New(cfg *config.Config, st Store, retriever Retriever, probe EnvironmentProbe, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		retriever: retriever,
		probe:     probe,
		logger:    logger.With("component", "server"),
		maint:     newMaintenance(cfg, logger),
	}
}

// Run serves until the context is cancelled, a shutdown request lands, or
// the idle timeout passes with no requests. Returns nil when another
// daemon already owns the socket.
func (s *Server) Run(ctx context.Context) error {
	socketPath := s.cfg.SocketPath()

	if probeSocket(socketPath) {
		s.logger.Info("daemon already running", "socket", socketPath)
		return nil
	}
	// Stale socket from a dead daemon; reclaim it.
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	defer ln.Close()
	defer os.Remove(socketPath)

	pidPath := s.cfg.PIDPath()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	now := time.Now()
	s.startedAt = now
	s.lastActivity = now
	s.logger.Info("daemon listening", "socket", socketPath, "pid", os.Getpid())

	unixLn := ln.(*net.UnixListener)
	for {
		if err := unixLn.SetDeadline(time.Now().Add(s.cfg.Server.AcceptTimeout.Duration())); err != nil {
			return fmt.Errorf("set accept deadline: %w", err)
		}
		conn, err := unixLn.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if s.shouldExit(ctx) {
					return nil
				}
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.lastActivity = time.Now()
		s.handle(ctx, conn)

		if s.shuttingDown || ctx.Err() != nil {
			s.logger.Info("daemon shutting down")
			return nil
		}
	}
}

// shouldExit runs the idle check on every accept timeout.
func (s *Server) shouldExit(ctx context.Context) bool {
	if s.shuttingDown || ctx.Err() != nil {
		s.logger.Info("daemon shutting down")
		return true
	}
	if idle := time.Since(s.lastActivity); idle >= s.cfg.Server.IdleTimeout.Duration() {
		s.logger.Info("daemon idle, exiting", "idle", idle.Round(time.Second))
		return true
	}
	return false
}

// handle serves one connection: one request, one reply. Handler errors go
// back as an error reply; nothing ever propagates to the host assistant.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	deadline := time.Now().Add(s.cfg.Server.ReceiveTimeout.Duration())
	if err := conn.SetDeadline(deadline); err != nil {
		return
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		s.logger.Warn("request read failed", "error", err)
		return
	}

	var req client.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.reply(conn, &client.Response{Status: "error", Error: "malformed request"})
		return
	}

	resp := s.dispatch(ctx, req)
	s.reply(conn, resp)
}

func (s *Server) reply(conn net.Conn, resp *client.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode reply failed", "error", err)
		return
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		s.logger.Warn("reply write failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req client.Request) *client.Response {
	switch req.Type {
	case client.TypeSearch:
		return s.handleSearch(ctx, req)
	case client.TypeToolContext:
		return s.handleToolContext(ctx, req)
	case client.TypePinned:
		return s.handlePinned(ctx)
	case client.TypePing:
		return &client.Response{
			Status: "ok",
			Uptime: time.Since(s.startedAt).Round(time.Second).String(),
			Idle:   time.Since(s.lastActivity).Round(time.Second).String(),
		}
	case client.TypeRunMaintenance:
		return s.handleMaintenance(req)
	case client.TypeShutdown:
		s.shuttingDown = true
		return &client.Response{Status: "ok"}
	default:
		return &client.Response{Status: "error", Error: fmt.Sprintf("unknown request type %q", req.Type)}
	}
}

func (s *Server) handleSearch(ctx context.Context, req client.Request) *client.Response {
	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.Search.TopK
	}
	results, err := s.retriever.Search(ctx, req.Query, search.Options{
		TopK:           topK,
		CategoryFilter: req.CategoryFilter,
		TagFilter:      req.TagFilter,
		Session:        req.Session,
		HookEvent:      req.HookEvent,
	})
	if err != nil {
		s.logger.Error("search failed", "error", err)
		return &client.Response{Status: "error", Error: "search failed"}
	}
	return &client.Response{Status: "ok", Results: results}
}

func (s *Server) handleToolContext(ctx context.Context, req client.Request) *client.Response {
	if s.cfg.Hooks.SkipsTool(req.ToolName) {
		return &client.Response{Status: "ok", Results: []types.SearchResult{}}
	}
	hookEvent := req.HookEvent
	if hookEvent == "" {
		hookEvent = "tool_use"
	}
	results, err := s.retriever.Search(ctx, search.ToolQuery(req.ToolName, req.ToolInput), search.Options{
		TopK:      s.cfg.Display.MaxEngramsPerTool,
		Session:   req.Session,
		HookEvent: hookEvent,
	})
	if err != nil {
		s.logger.Error("tool-context search failed", "error", err)
		return &client.Response{Status: "error", Error: "search failed"}
	}
	return &client.Response{Status: "ok", Results: results}
}

func (s *Server) handlePinned(ctx context.Context) *client.Response {
	pinned, err := s.store.PinnedEngrams(ctx)
	if err != nil {
		s.logger.Error("pinned lookup failed", "error", err)
		return &client.Response{Status: "error", Error: "pinned lookup failed"}
	}

	env := s.probe.Detect()
	matching := make([]types.Engram, 0, len(pinned))
	for _, e := range pinned {
		if e.Prerequisites.Matches(env) {
			matching = append(matching, e)
		}
	}
	return &client.Response{Status: "ok", Engrams: matching}
}

func (s *Server) handleMaintenance(req client.Request) *client.Response {
	states := s.maint.trigger(req.EvaluateLimit)
	return &client.Response{Status: "ok", Maintenance: states}
}

// probeSocket reports whether a live daemon answers on the socket.
func probeSocket(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
