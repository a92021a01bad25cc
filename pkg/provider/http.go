package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/httpx"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/telemetry"
)

// HTTPProvider calls a JSON generate endpoint. The wire shape follows the
// common messages-style completion API: system prompt, message list, token
// cap and temperature out; content plus token usage back. Retries are the
// engine's job, so requests here are single-shot.
type HTTPProvider struct {
	ProviderName string
	BaseURL      string
	APIKey       string
	Model        string
	HTTPClient   *http.Client
}

type generateRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type generateResponse struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	FinishReason string `json:"finish_reason"`
	Error        struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewHTTPProvider(name, baseURL, apiKey, model string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		ProviderName: name,
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		APIKey:       apiKey,
		Model:        model,
		HTTPClient:   telemetry.InstrumentClient(&http.Client{Timeout: timeout}),
	}
}

func (p *HTTPProvider) Name() string { return p.ProviderName }

func (p *HTTPProvider) Generate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(generateRequest{
		Model:       p.Model,
		System:      req.SystemPrompt,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return Result{}, &Failure{Class: ClassInvalidRequest, Message: fmt.Sprintf("encode request: %v", err)}
	}
	var headers map[string]string
	if p.APIKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + p.APIKey}
	}

	status, respBody, err := httpx.RequestJSON(ctx, p.HTTPClient, http.MethodPost, p.BaseURL+"/v1/generate", body, headers, 0, 0)
	if err != nil {
		return Result{}, classifyTransportError(err)
	}

	var decoded generateResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil && status < 400 {
		return Result{}, &Failure{Class: ClassUnknown, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if status >= 400 {
		class := ClassifyStatus(status)
		if strings.Contains(decoded.Error.Type, "context_length") {
			class = ClassContextLength
		}
		message := decoded.Error.Message
		if message == "" {
			message = strings.TrimSpace(string(respBody))
		}
		return Result{}, &Failure{Class: class, Message: message, Status: status}
	}
	return Result{
		Content:      decoded.Content,
		InputTokens:  decoded.InputTokens,
		OutputTokens: decoded.OutputTokens,
		FinishReason: decoded.FinishReason,
	}, nil
}

func classifyTransportError(err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Class: ClassTimeout, Message: err.Error()}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Class: ClassTimeout, Message: err.Error()}
	}
	return &Failure{Class: ClassNetworkError, Message: err.Error()}
}
