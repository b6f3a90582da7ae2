package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/config"
	"github.com/hyperengineering/engrammar/internal/envprobe"
	"github.com/hyperengineering/engrammar/internal/inject"
	"github.com/hyperengineering/engrammar/internal/search"
	"github.com/hyperengineering/engrammar/internal/types"
	"github.com/hyperengineering/engrammar/internal/vecindex"
	"github.com/hyperengineering/engrammar/pkg/client"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Hook entry points for the host assistant",
	Long:  "Reads the hook payload from stdin and writes context to stdout. Never fails: errors go to the error log and the hook exits clean so the host is not blocked.",
}

var hookPromptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "UserPromptSubmit hook: inject relevant lessons",
	RunE:  runHookPrompt,
}

var hookToolCmd = &cobra.Command{
	Use:   "tool",
	Short: "PreToolUse hook: inject tool-relevant lessons",
	RunE:  runHookTool,
}

var hookSessionEndCmd = &cobra.Command{
	Use:   "session-end",
	Short: "SessionEnd hook: write the session audit",
	RunE:  runHookSessionEnd,
}

func init() {
	hookCmd.AddCommand(hookPromptCmd)
	hookCmd.AddCommand(hookToolCmd)
	hookCmd.AddCommand(hookSessionEndCmd)
}

// hookPayload is the host assistant's hook input, read from stdin. Unknown
// fields are ignored so payload growth upstream cannot break the hooks.
type hookPayload struct {
	SessionID      string         `json:"session_id"`
	TranscriptPath string         `json:"transcript_path"`
	CWD            string         `json:"cwd"`
	Prompt         string         `json:"prompt"`
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input"`
	HookEventName  string         `json:"hook_event_name"`
}

func readHookPayload(r io.Reader) (*hookPayload, error) {
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read hook payload: %w", err)
	}
	var p hookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode hook payload: %w", err)
	}
	return &p, nil
}

// hookError records the failure and swallows it. A hook that errors out
// blocks the host assistant, so the exit code is always zero.
func hookError(cfg *config.Config, hook string, err error) error {
	if cfg == nil {
		return nil
	}
	f, openErr := os.OpenFile(cfg.ErrorLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if openErr != nil {
		return nil
	}
	defer f.Close()
	fmt.Fprintf(f, "%s [%s] %v\n", time.Now().Format(time.RFC3339), hook, err)
	return nil
}

func runHookPrompt(cmd *cobra.Command, args []string) error {
	if config.InternalRun() {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil
	}
	if !cfg.Hooks.PromptEnabled {
		return nil
	}

	payload, err := readHookPayload(cmd.InOrStdin())
	if err != nil {
		return hookError(cfg, "prompt", err)
	}
	if payload.Prompt == "" {
		return nil
	}

	results, err := hookSearch(cmd.Context(), cfg, client.Request{
		TopK:      cfg.Display.MaxEngramsPerPrompt,
		Session:   payload.SessionID,
		HookEvent: "prompt",
	}, payload, payload.Prompt)
	if err != nil {
		return hookError(cfg, "prompt", err)
	}

	pinned := hookPinned(cmd.Context(), cfg, payload)

	block := inject.Block(inject.MergePinned(pinned, results), cfg.Display.ShowCategories)
	if block != "" {
		fmt.Fprintln(cmd.OutOrStdout(), block)
	}
	return nil
}

func runHookTool(cmd *cobra.Command, args []string) error {
	if config.InternalRun() {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil
	}
	if !cfg.Hooks.ToolUseEnabled {
		return nil
	}

	payload, err := readHookPayload(cmd.InOrStdin())
	if err != nil {
		return hookError(cfg, "tool", err)
	}
	if payload.ToolName == "" || cfg.Hooks.SkipsTool(payload.ToolName) {
		return nil
	}

	query := search.ToolQuery(payload.ToolName, payload.ToolInput)
	if query == "" {
		return nil
	}

	results, err := hookSearch(cmd.Context(), cfg, client.Request{
		TopK:      cfg.Display.MaxEngramsPerTool,
		Session:   payload.SessionID,
		HookEvent: "tool_use",
	}, payload, query)
	if err != nil {
		return hookError(cfg, "tool", err)
	}

	block := inject.Block(inject.FromResults(results), cfg.Display.ShowCategories)
	if block != "" {
		fmt.Fprintln(cmd.OutOrStdout(), block)
	}
	return nil
}

func runHookSessionEnd(cmd *cobra.Command, args []string) error {
	if config.InternalRun() {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil
	}

	payload, err := readHookPayload(cmd.InOrStdin())
	if err != nil {
		return hookError(cfg, "session-end", err)
	}
	if payload.SessionID == "" {
		return nil
	}

	a, err := loadApp()
	if err != nil {
		return hookError(cfg, "session-end", err)
	}
	defer a.Close()

	ctx := cmd.Context()
	shown, err := a.store.ShownEngrams(ctx, payload.SessionID)
	if err != nil {
		return hookError(cfg, "session-end", err)
	}

	ids := make([]int64, 0, len(shown))
	for _, s := range shown {
		ids = append(ids, s.EngramID)
	}

	env := (&envprobe.Probe{CWD: payload.CWD}).Detect()
	audit := types.SessionAudit{
		SessionID:      payload.SessionID,
		ShownEngramIDs: ids,
		EnvTags:        env.Tags,
		Repo:           env.Repo,
		TranscriptPath: payload.TranscriptPath,
	}
	if err := a.store.WriteSessionAudit(ctx, audit); err != nil {
		return hookError(cfg, "session-end", err)
	}
	if err := a.store.ClearShown(ctx, payload.SessionID); err != nil {
		return hookError(cfg, "session-end", err)
	}

	// Kick background learning; the daemon may be gone, which is fine.
	_, _ = client.New(cfg.SocketPath()).RunMaintenance(ctx, 0)
	return nil
}

// hookSearch prefers the daemon and falls back to an in-process retrieval
// when no daemon answers, spawning one for next time.
func hookSearch(ctx context.Context, cfg *config.Config, req client.Request, payload *hookPayload, query string) ([]types.SearchResult, error) {
	results, err := client.New(cfg.SocketPath()).Search(ctx, query, req)
	if err == nil {
		return results, nil
	}

	spawnDaemon(cfg)

	a, appErr := loadApp()
	if appErr != nil {
		return nil, appErr
	}
	defer a.Close()

	index, idxErr := vecindex.Open(a.cfg.VectorPath(), a.cfg.VectorIDsPath())
	if idxErr != nil {
		return nil, idxErr
	}
	defer index.Close()

	retriever := search.NewRetriever(a.store, index, a.newEmbedder(),
		&envprobe.Probe{CWD: payload.CWD}, a.cfg.Search.TopK, a.logger)
	return retriever.Search(ctx, query, search.Options{
		TopK:      req.TopK,
		Session:   req.Session,
		HookEvent: req.HookEvent,
	})
}

// hookPinned fetches the pinned engrams matching the current environment,
// preferring the daemon and falling back to the store. Best-effort: a
// failure loses only the pins, never the ranked block.
func hookPinned(ctx context.Context, cfg *config.Config, payload *hookPayload) []types.Engram {
	if engrams, err := client.New(cfg.SocketPath()).Pinned(ctx); err == nil {
		return engrams
	}

	a, err := loadApp()
	if err != nil {
		return nil
	}
	defer a.Close()

	all, err := a.store.PinnedEngrams(ctx)
	if err != nil {
		return nil
	}
	env := (&envprobe.Probe{CWD: payload.CWD}).Detect()
	matching := make([]types.Engram, 0, len(all))
	for _, e := range all {
		if e.Prerequisites.Matches(env) {
			matching = append(matching, e)
		}
	}
	return matching
}

// spawnDaemon starts a detached daemon so later hooks hit the warm path.
func spawnDaemon(cfg *config.Config) {
	exe, err := os.Executable()
	if err != nil {
		return
	}
	cmd := exec.Command(exe)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close()
	}
	if err := cmd.Start(); err != nil {
		return
	}
	go cmd.Wait()
}
