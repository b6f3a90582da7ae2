// Package llm invokes the external language model as a subprocess: prompt on
// stdin, completion on stdout. The dedup engine, evaluator, and extractor
// all speak through this client.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// internalRunEnv marks subprocess LLM calls so the host assistant's own
// hooks do not re-enter the engine.
const internalRunEnv = "ENGRAMMAR_INTERNAL=1"

// Client produces a text completion for a prompt.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Subprocess runs a CLI model command per call. The command is expected to
// read the prompt from stdin and print a single response to stdout.
type Subprocess struct {
	Command string
	Model   string
	Timeout time.Duration
}

var _ Client = (*Subprocess)(nil)

// NewSubprocess builds a client for the given command and model.
func NewSubprocess(command, model string, timeout time.Duration) *Subprocess {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Subprocess{Command: command, Model: model, Timeout: timeout}
}

// Complete invokes the model once. A timeout, non-zero exit, or empty
// output is a failure; stderr is folded into the error for the log line.
func (s *Subprocess) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	args := []string{"--no-session-persistence"}
	if s.Model != "" {
		args = append(args, "--model", s.Model)
	}

	cmd := exec.CommandContext(ctx, s.Command, args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(), internalRunEnv)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("llm call timed out after %s", s.Timeout)
		}
		return "", fmt.Errorf("llm call failed: %w: %s", err, firstLine(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", fmt.Errorf("llm call returned empty output")
	}
	return out, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ExtractJSON pulls the JSON payload out of a completion that may wrap it in
// a markdown code fence or surround it with prose. It returns the widest
// brace- or bracket-delimited span, or the trimmed input when none is found.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')
	start, closer := objStart, byte('}')
	if start < 0 || (arrStart >= 0 && arrStart < start) {
		start, closer = arrStart, ']'
	}
	if start < 0 {
		return s
	}
	if end := strings.LastIndexByte(s, closer); end > start {
		return s[start : end+1]
	}
	return s
}
