package extractor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// extractPrompt is the fixed instruction block for the lesson extractor.
const extractPrompt = `You read a coding-assistant session and distill concrete, reusable lessons
a future session should know.

A good lesson is one or two sentences, actionable, and true beyond this one
session. Skip anything session-specific, speculative, or already obvious.
Categories are slash-delimited paths like "git/branching" or
"testing/fixtures". Zero lessons is a valid answer.

Respond with strict JSON only, no prose:
[{"text": "...", "category": "area/topic", "prerequisites": {"tags": ["..."]}}]`

func renderPrompt(material string) string {
	var sb strings.Builder
	sb.WriteString(extractPrompt)
	sb.WriteString("\n\nSESSION:\n")
	sb.WriteString(material)
	sb.WriteString("\n")
	return sb.String()
}

// readSource loads session material: a facet file is used as-is, a JSONL
// transcript is flattened to its user and assistant texts. Either way the
// result is trimmed to a trailing byte budget.
func readSource(path string) (string, error) {
	if strings.HasSuffix(path, ".jsonl") {
		return readTranscriptTail(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read facet file: %w", err)
	}
	return tail(string(data), sourceTailBytes), nil
}

// readTranscriptTail flattens a JSONL transcript's user and assistant
// messages. Lines that do not parse are skipped.
func readTranscriptTail(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		role, text := parseLine(scanner.Bytes())
		if text == "" || (role != "user" && role != "assistant") {
			continue
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return tail(sb.String(), sourceTailBytes), nil
}

// parseLine handles the host transcript shapes: a top-level role with
// string content, or a nested message whose content is a string or a list
// of text blocks.
func parseLine(line []byte) (role, text string) {
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

	if len(content) == 0 {
		return role, ""
	}
	var s string
	if json.Unmarshal(content, &s) == nil {
		return role, s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(content, &blocks) != nil {
		return role, ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return role, strings.Join(parts, "\n")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
