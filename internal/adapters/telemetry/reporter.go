package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"optionsBot/internal/ports"
)

const defaultTimeout = 10 * time.Second

// Event is the JSON body posted for every reported action.
type Event struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Config holds configuration for the telemetry reporter.
type Config struct {
	URL     string // Endpoint receiving events; empty disables reporting
	Source  string // Reported as Event.Source
	Timeout time.Duration
	Logger  ports.Logger
}

// Reporter implements ports.Reporter by posting events to an HTTP endpoint.
type Reporter struct {
	url        string
	source     string
	httpClient *http.Client
	logger     ports.Logger
	now        func() time.Time
}

// NewReporter creates a telemetry reporter.
func NewReporter(cfg Config) (*Reporter, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for telemetry reporter")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	source := cfg.Source
	if source == "" {
		source = "optionsBot"
	}
	return &Reporter{
		url:        strings.TrimSpace(cfg.URL),
		source:     source,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
		now:        time.Now,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (r *Reporter) SetHTTPClient(client *http.Client) {
	r.httpClient = client
}

// ReportAction posts one event. Without a configured URL the event is only logged.
func (r *Reporter) ReportAction(ctx context.Context, eventCode string, data map[string]interface{}) error {
	op := "ReportAction"
	if r.url == "" {
		r.logger.Debug(ctx, op+": Telemetry disabled, event dropped", map[string]interface{}{"event": eventCode})
		return nil
	}

	body, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		Event:     eventCode,
		Source:    r.source,
		Timestamp: r.now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("%w: encode event %s: %v", ports.ErrTelemetryFailure, eventCode, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ports.ErrTelemetryFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post event %s: %v", ports.ErrTelemetryFailure, eventCode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: event %s rejected with status %d: %s",
			ports.ErrTelemetryFailure, eventCode, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	r.logger.Debug(ctx, op+": Event reported", map[string]interface{}{"event": eventCode, "status": resp.StatusCode})
	return nil
}
