package llm

import (
	"context"
	"fmt"
	"sync"
)

var _ Client = (*Script)(nil)

// Script is a scripted client for tests: it returns queued responses in
// order and records every prompt it was given.
type Script struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	Prompts   []string
}

// NewScript queues the given responses.
func NewScript(responses ...string) *Script {
	return &Script{responses: responses, errs: make([]error, len(responses))}
}

// Fail queues an error instead of a response.
func (s *Script) Fail(err error) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, "")
	s.errs = append(s.errs, err)
	return s
}

// Respond queues another response after whatever is already queued.
func (s *Script) Respond(resp string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	s.errs = append(s.errs, nil)
	return s
}

// Complete pops the next queued response.
func (s *Script) Complete(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, prompt)

	if len(s.responses) == 0 {
		return "", fmt.Errorf("scripted llm: no response queued for prompt %d", len(s.Prompts))
	}
	resp, err := s.responses[0], s.errs[0]
	s.responses = s.responses[1:]
	s.errs = s.errs[1:]
	if err != nil {
		return "", err
	}
	return resp, nil
}
