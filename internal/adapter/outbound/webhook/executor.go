// Package webhook dispatches approved payloads to the external executor
// over HTTP. The gate is the sole authority on authorization; the executor
// endpoint only performs the mutation and reports the outcome.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/executor"
)

// idempotencyHeader carries the proposal ID so the executor can deduplicate
// re-invocations after a crash.
const idempotencyHeader = "X-Idempotency-Key"

// Executor implements executor.Executor against an HTTP endpoint.
// 2xx is success, 4xx is fatal (policy-level refusal), everything else is
// retriable.
type Executor struct {
	url    string
	client *http.Client
}

// NewExecutor creates a webhook executor for the given endpoint.
func NewExecutor(url string, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type requestBody struct {
	ProposalID string         `json:"proposal_id"`
	Mutation   string         `json:"mutation"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Execute posts the approved payload. Idempotent re-invocation is the
// endpoint's contract, keyed on the proposal ID.
func (e *Executor) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	body, err := json.Marshal(requestBody{
		ProposalID: req.ProposalID,
		Mutation:   req.Mutation,
		Payload:    req.Payload,
	})
	if err != nil {
		return executor.Result{}, executor.Fatal(fmt.Errorf("encode executor request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return executor.Result{}, executor.Fatal(fmt.Errorf("build executor request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(idempotencyHeader, req.ProposalID)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return executor.Result{}, executor.Retriable(fmt.Errorf("executor unreachable: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return executor.Result{Detail: string(detail)}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return executor.Result{}, executor.Fatal(
			fmt.Errorf("executor refused (%d): %s", resp.StatusCode, detail))
	default:
		return executor.Result{}, executor.Retriable(
			fmt.Errorf("executor failed (%d): %s", resp.StatusCode, detail))
	}
}

// Compile-time interface verification.
var _ executor.Executor = (*Executor)(nil)
