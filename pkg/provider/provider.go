// Package provider abstracts the upstream language-model services that
// generate turn content. Failures are classified into a closed set, each
// tagged retryable or not, so the engine's retry policy never inspects raw
// transport errors.
package provider

import (
	"context"
	"errors"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	SystemPrompt string    `json:"system_prompt"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens"`
	Temperature  float64   `json:"temperature"`
}

type Result struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	FinishReason string `json:"finish_reason"`
}

// Provider is the generate capability. Implementations must classify every
// failure as a *Failure.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

type FailureClass string

const (
	ClassAuth           FailureClass = "auth"
	ClassRateLimit      FailureClass = "rate_limit"
	ClassInvalidRequest FailureClass = "invalid_request"
	ClassContextLength  FailureClass = "context_length"
	ClassServerError    FailureClass = "server_error"
	ClassTimeout        FailureClass = "timeout"
	ClassNetworkError   FailureClass = "network_error"
	ClassUnknown        FailureClass = "unknown"
)

type Failure struct {
	Class   FailureClass
	Message string
	Status  int
}

func (f *Failure) Error() string {
	if f.Status > 0 {
		return fmt.Sprintf("provider %s (%d): %s", f.Class, f.Status, f.Message)
	}
	return fmt.Sprintf("provider %s: %s", f.Class, f.Message)
}

// Retryable reports whether the failure class is transient.
func (f *Failure) Retryable() bool {
	switch f.Class {
	case ClassRateLimit, ClassServerError, ClassTimeout, ClassNetworkError:
		return true
	default:
		return false
	}
}

// AsFailure extracts the classified failure, wrapping unclassified errors as
// ClassUnknown so callers always see the closed set.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	return &Failure{Class: ClassUnknown, Message: err.Error()}
}

// ClassifyStatus maps an upstream HTTP status to a failure class.
func ClassifyStatus(status int) FailureClass {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 408:
		return ClassTimeout
	case status == 413:
		return ClassContextLength
	case status == 429:
		return ClassRateLimit
	case status >= 400 && status < 500:
		return ClassInvalidRequest
	case status >= 500:
		return ClassServerError
	default:
		return ClassUnknown
	}
}
