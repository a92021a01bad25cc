package provider

import (
	"context"
	"sync"
)

// ScriptedProvider replays a fixed sequence of outcomes. Once the script is
// exhausted it keeps returning the last entry, which keeps long-running
// callers deterministic.
type ScriptedProvider struct {
	ProviderName string

	mu     sync.Mutex
	script []scriptStep
	index  int
	calls  []Request
}

type scriptStep struct {
	result Result
	err    error
}

func NewScriptedProvider(name string) *ScriptedProvider {
	return &ScriptedProvider{ProviderName: name}
}

func (s *ScriptedProvider) Name() string { return s.ProviderName }

// Reply queues a successful generation.
func (s *ScriptedProvider) Reply(content string, inputTokens, outputTokens int) *ScriptedProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, scriptStep{result: Result{
		Content:      content,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		FinishReason: "stop",
	}})
	return s
}

// Fail queues a classified failure.
func (s *ScriptedProvider) Fail(class FailureClass, message string) *ScriptedProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, scriptStep{err: &Failure{Class: class, Message: message}})
	return s
}

func (s *ScriptedProvider) Generate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, AsFailure(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.script) == 0 {
		return Result{Content: "ok", FinishReason: "stop"}, nil
	}
	step := s.script[s.index]
	if s.index < len(s.script)-1 {
		s.index++
	}
	if step.err != nil {
		return Result{}, step.err
	}
	return step.result, nil
}

// Calls returns a copy of every request seen so far.
func (s *ScriptedProvider) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *ScriptedProvider) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
