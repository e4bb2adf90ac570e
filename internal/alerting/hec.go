package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/repository"
)

// ErrNoHECToken is returned when the HEC token env var is empty.
var ErrNoHECToken = errors.New("hec: token not set")

// HECConfig configures forwarding of alerts to a Splunk HTTP Event Collector
type HECConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url" validate:"omitempty,url"`
	TokenEnv   string        `yaml:"token_env"`
	Index      string        `yaml:"index"`
	SourceType string        `yaml:"sourcetype"`
	Source     string        `yaml:"source"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count" validate:"gte=0,lte=10"`
}

// DefaultHECConfig returns the default HEC settings
func DefaultHECConfig() HECConfig {
	return HECConfig{
		TokenEnv:   "SPLUNK_HEC_TOKEN",
		Index:      "threatpulse_alerts",
		SourceType: "threatpulse:alert",
		Source:     "threatpulse",
		Timeout:    30 * time.Second,
		RetryCount: 3,
	}
}

// hecEvent is one HEC event envelope
type hecEvent struct {
	Time       float64          `json:"time,omitempty"`
	Source     string           `json:"source,omitempty"`
	SourceType string           `json:"sourcetype,omitempty"`
	Index      string           `json:"index,omitempty"`
	Event      repository.Alert `json:"event"`
	Fields     map[string]any   `json:"fields,omitempty"`
}

// HECPublisher posts alerts to Splunk HEC as newline-delimited events
type HECPublisher struct {
	config     HECConfig
	token      string
	httpClient *http.Client
	backoff    func(attempt int) time.Duration
	logger     *zap.Logger
}

// NewHECPublisher creates a HEC publisher
func NewHECPublisher(cfg HECConfig, logger *zap.Logger) (*HECPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hec: url is required")
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoHECToken, cfg.TokenEnv)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHECConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HECPublisher{
		config:     cfg,
		token:      token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
		logger: logger.With(zap.String("component", "hec-sender")),
	}, nil
}

// Publish sends all alerts in one request, retrying with backoff
func (p *HECPublisher) Publish(ctx context.Context, alerts []repository.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	body, err := p.encode(alerts)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}
		if lastErr = p.send(ctx, body); lastErr == nil {
			return nil
		}
		p.logger.Warn("HEC send failed", zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	return fmt.Errorf("hec: failed after %d retries: %w", p.config.RetryCount, lastErr)
}

func (p *HECPublisher) encode(alerts []repository.Alert) ([]byte, error) {
	var buf bytes.Buffer
	for _, a := range alerts {
		ev := hecEvent{
			Source:     p.config.Source,
			SourceType: p.config.SourceType,
			Index:      p.config.Index,
			Event:      a,
			Fields: map[string]any{
				"alert_source": a.Source,
				"severity":     a.Severity,
			},
		}
		if a.Timestamp != nil {
			ev.Time = float64(a.Timestamp.UnixMilli()) / 1000
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("hec: marshal alert %s: %w", a.EventID, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func (p *HECPublisher) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(p.config.URL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hec request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("hec returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// HealthCheck verifies connectivity to the collector
func (p *HECPublisher) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(p.config.URL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hec health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hec health returned status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op; requests are synchronous
func (p *HECPublisher) Close() error { return nil }

// fanout publishes to every member
type fanout []Publisher

// Fanout combines publishers. Every member receives every batch; errors
// are aggregated.
func Fanout(publishers ...Publisher) Publisher {
	var f fanout
	for _, p := range publishers {
		if p == nil {
			continue
		}
		if _, nop := p.(NopPublisher); nop {
			continue
		}
		f = append(f, p)
	}
	switch len(f) {
	case 0:
		return NopPublisher{}
	case 1:
		return f[0]
	}
	return f
}

func (f fanout) Publish(ctx context.Context, alerts []repository.Alert) error {
	var errs error
	for _, p := range f {
		errs = multierr.Append(errs, p.Publish(ctx, alerts))
	}
	return errs
}

func (f fanout) Close() error {
	var errs error
	for _, p := range f {
		errs = multierr.Append(errs, p.Close())
	}
	return errs
}
