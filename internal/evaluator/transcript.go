package evaluator

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperengineering/engrammar/internal/types"
)

// TranscriptTailBytes bounds the excerpt handed to the scorer.
const TranscriptTailBytes = 4096

// transcriptExcerpt resolves the session transcript: the audit's recorded
// path when it still exists, otherwise a scan of the transcript directory
// for a file naming the session. Returns the trailing portion of the
// concatenated user and assistant texts, or empty when nothing is found.
func (ev *Evaluator) transcriptExcerpt(audit types.SessionAudit) string {
	if audit.TranscriptPath != "" {
		if text := readTranscript(audit.TranscriptPath); text != "" {
			return tail(text, TranscriptTailBytes)
		}
	}
	if path := ev.findTranscript(audit.SessionID); path != "" {
		if text := readTranscript(path); text != "" {
			return tail(text, TranscriptTailBytes)
		}
	}
	return ""
}

// findTranscript scans the transcript directory for a file whose name or
// first line contains the session id.
func (ev *Evaluator) findTranscript(sessionID string) string {
	if ev.transcriptDir == "" || sessionID == "" {
		return ""
	}
	entries, err := os.ReadDir(ev.transcriptDir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(ev.transcriptDir, entry.Name())
		if strings.Contains(entry.Name(), sessionID) {
			return path
		}
		if firstLineContains(path, sessionID) {
			return path
		}
	}
	return ""
}

func firstLineContains(path, needle string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if scanner.Scan() {
		return strings.Contains(scanner.Text(), needle)
	}
	return false
}

// readTranscript concatenates the user and assistant message texts from a
// JSONL transcript. Lines that do not parse are skipped.
func readTranscript(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		role, text := parseTranscriptLine(scanner.Bytes())
		if text == "" || (role != "user" && role != "assistant") {
			continue
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// parseTranscriptLine handles the host transcript shapes: a top-level role
// with string content, or a nested message whose content is a string or a
// list of text blocks.
func parseTranscriptLine(line []byte) (role, text string) {
	var record struct {
		Type    string          `json:"type"`
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Message *struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if json.Unmarshal(line, &record) != nil {
		return "", ""
	}

	role = record.Role
	content := record.Content
	if record.Message != nil {
		if record.Message.Role != "" {
			role = record.Message.Role
		}
		content = record.Message.Content
	}
	if role == "" {
		role = record.Type
	}
	return role, flattenContent(content)
}

func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
