package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   FailureClass
	}{
		{401, ClassAuth},
		{403, ClassAuth},
		{408, ClassTimeout},
		{413, ClassContextLength},
		{429, ClassRateLimit},
		{400, ClassInvalidRequest},
		{422, ClassInvalidRequest},
		{500, ClassServerError},
		{503, ClassServerError},
		{200, ClassUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.status); got != tc.want {
			t.Fatalf("status %d: got %s want %s", tc.status, got, tc.want)
		}
	}
}

func TestFailureRetryable(t *testing.T) {
	retryable := []FailureClass{ClassRateLimit, ClassServerError, ClassTimeout, ClassNetworkError}
	for _, class := range retryable {
		f := &Failure{Class: class}
		if !f.Retryable() {
			t.Fatalf("%s should be retryable", class)
		}
	}
	terminal := []FailureClass{ClassAuth, ClassInvalidRequest, ClassContextLength, ClassUnknown}
	for _, class := range terminal {
		f := &Failure{Class: class}
		if f.Retryable() {
			t.Fatalf("%s should not be retryable", class)
		}
	}
}

func TestAsFailureWrapsUnclassified(t *testing.T) {
	f := AsFailure(errors.New("boom"))
	if f.Class != ClassUnknown {
		t.Fatalf("got class %s, want unknown", f.Class)
	}
	orig := &Failure{Class: ClassRateLimit, Message: "slow down"}
	if got := AsFailure(orig); got != orig {
		t.Fatalf("classified failure should pass through unchanged")
	}
	if AsFailure(nil) != nil {
		t.Fatalf("nil error should map to nil failure")
	}
}

func TestHTTPProviderGenerate(t *testing.T) {
	var seenAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("got model %q", req.Model)
		}
		json.NewEncoder(w).Encode(generateResponse{
			Content:      "the case for the motion",
			InputTokens:  120,
			OutputTokens: 80,
			FinishReason: "stop",
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider("openai", srv.URL, "sk-test", "test-model", 5*time.Second)
	result, err := p.Generate(context.Background(), Request{
		Messages:  []Message{{Role: "user", Content: "open the debate"}},
		MaxTokens: 400,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Content != "the case for the motion" {
		t.Fatalf("got content %q", result.Content)
	}
	if result.InputTokens != 120 || result.OutputTokens != 80 {
		t.Fatalf("got usage %d/%d", result.InputTokens, result.OutputTokens)
	}
	if seenAuth != "Bearer sk-test" {
		t.Fatalf("got auth header %q", seenAuth)
	}
}

func TestHTTPProviderClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "rate_limit", "message": "retry later"},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider("openai", srv.URL, "", "test-model", 5*time.Second)
	_, err := p.Generate(context.Background(), Request{MaxTokens: 10})
	f := AsFailure(err)
	if f.Class != ClassRateLimit {
		t.Fatalf("got class %s, want rate_limit", f.Class)
	}
	if f.Status != http.StatusTooManyRequests {
		t.Fatalf("got status %d", f.Status)
	}
	if f.Message != "retry later" {
		t.Fatalf("got message %q", f.Message)
	}
	if !f.Retryable() {
		t.Fatalf("rate limit should be retryable")
	}
}

func TestHTTPProviderContextLengthOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "context_length_exceeded", "message": "too long"},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider("openai", srv.URL, "", "test-model", 5*time.Second)
	_, err := p.Generate(context.Background(), Request{MaxTokens: 10})
	if f := AsFailure(err); f.Class != ClassContextLength {
		t.Fatalf("got class %s, want context_length", f.Class)
	}
}

func TestHTTPProviderDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client disconnect and
		// cancels the request context; otherwise Close hangs on this handler.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := NewHTTPProvider("openai", srv.URL, "", "test-model", 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Generate(ctx, Request{MaxTokens: 10})
	f := AsFailure(err)
	if f.Class != ClassTimeout && f.Class != ClassNetworkError {
		t.Fatalf("got class %s, want timeout or network_error", f.Class)
	}
}

func TestHTTPProviderNetworkError(t *testing.T) {
	p := NewHTTPProvider("openai", "http://127.0.0.1:1", "", "test-model", time.Second)
	_, err := p.Generate(context.Background(), Request{MaxTokens: 10})
	if f := AsFailure(err); !f.Retryable() {
		t.Fatalf("connection refusal should classify retryable, got %s", f.Class)
	}
}

func TestScriptedProvider(t *testing.T) {
	p := NewScriptedProvider("scripted").
		Reply("first", 10, 5).
		Fail(ClassServerError, "upstream hiccup").
		Reply("second", 12, 6)

	ctx := context.Background()
	res, err := p.Generate(ctx, Request{})
	if err != nil || res.Content != "first" {
		t.Fatalf("step 1: %v %q", err, res.Content)
	}
	_, err = p.Generate(ctx, Request{})
	if f := AsFailure(err); f == nil || f.Class != ClassServerError {
		t.Fatalf("step 2: want server_error, got %v", err)
	}
	res, err = p.Generate(ctx, Request{})
	if err != nil || res.Content != "second" {
		t.Fatalf("step 3: %v %q", err, res.Content)
	}
	// Exhausted script repeats the final step.
	res, _ = p.Generate(ctx, Request{})
	if res.Content != "second" {
		t.Fatalf("exhausted script should repeat last reply, got %q", res.Content)
	}
	if p.CallCount() != 4 {
		t.Fatalf("got %d calls", p.CallCount())
	}
}
