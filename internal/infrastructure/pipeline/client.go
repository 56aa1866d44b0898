package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/observability/metrics"
	"github.com/yourorg/fedcoord/internal/reliability/circuitbreaker"
	"github.com/yourorg/fedcoord/internal/reliability/retry"
)

// Client talks to the pipeline execution server. Run creation is the only
// coupling point: the coordination layer hands over a run and the execution
// layer takes it from there.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	retry   *retry.Config
	logger  *slog.Logger
}

// NewClient creates a pipeline server client
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: circuitbreaker.New(5, 2, 30*time.Second),
		retry:   retry.DefaultConfig(),
		logger:  logger,
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("pipeline server circuit state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return c
}

type startPayload struct {
	Run *runView `json:"run"`
}

// runView is the wire shape the pipeline server expects for a new run.
type runView struct {
	ID       string           `json:"id"`
	Pipeline *domain.Pipeline `json:"pipeline"`
	Clients  []string         `json:"clients"`
	Type     domain.RunType   `json:"type"`
}

// StartRun notifies the pipeline server that a run was created. Failures map
// to domain.ErrUpstreamUnavailable so callers can mark the run errored instead
// of leaving it started with no executor.
func (c *Client) StartRun(ctx context.Context, run *domain.Run) error {
	if !c.breaker.Allow() {
		metrics.ObserveOrchestratorCall("rejected")
		return fmt.Errorf("pipeline server circuit open: %w", domain.ErrUpstreamUnavailable)
	}

	clients := make([]string, 0, len(run.Clients))
	for id := range run.Clients {
		clients = append(clients, id)
	}
	body, err := json.Marshal(startPayload{Run: &runView{
		ID:       run.ID,
		Pipeline: run.PipelineSnapshot,
		Clients:  clients,
		Type:     run.Type,
	}})
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	_, err = retry.Do(ctx, c.retry, c.logger, "start pipeline run", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.post(ctx, "/startPipeline", body)
	})
	if err != nil {
		c.breaker.RecordFailure()
		metrics.ObserveOrchestratorCall("error")
		c.logger.Error("pipeline server start failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("start run %s: %w", run.ID, domain.ErrUpstreamUnavailable)
	}

	c.breaker.RecordSuccess()
	metrics.ObserveOrchestratorCall("ok")
	return nil
}

// StopRun asks the pipeline server to abandon a run's execution.
func (c *Client) StopRun(ctx context.Context, runID string) error {
	if !c.breaker.Allow() {
		metrics.ObserveOrchestratorCall("rejected")
		return fmt.Errorf("pipeline server circuit open: %w", domain.ErrUpstreamUnavailable)
	}

	body, err := json.Marshal(map[string]string{"runId": runID})
	if err != nil {
		return fmt.Errorf("failed to encode stop request: %w", err)
	}

	_, err = retry.Do(ctx, c.retry, c.logger, "stop pipeline run", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.post(ctx, "/stopPipeline", body)
	})
	if err != nil {
		c.breaker.RecordFailure()
		metrics.ObserveOrchestratorCall("error")
		return fmt.Errorf("stop run %s: %w", runID, domain.ErrUpstreamUnavailable)
	}

	c.breaker.RecordSuccess()
	metrics.ObserveOrchestratorCall("ok")
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pipeline server returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
