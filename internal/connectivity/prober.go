package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultProbeInterval = 10 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
	healthPath           = "/health"
)

var noOpLogger = zap.NewNop()

// ProberConfig wires a Prober.
type ProberConfig struct {
	BaseURL    string
	Interval   time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	// Initial is the state reported before the first probe completes.
	Initial bool
	Logger  *zap.Logger
}

// Prober derives reachability by polling the relay health endpoint.
type Prober struct {
	*broadcaster
	url      string
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger
}

// NewProber validates the configuration and returns a Prober. Call Run to start polling.
func NewProber(cfg ProberConfig) (*Prober, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("probe base url is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Prober{
		broadcaster: newBroadcaster(cfg.Initial),
		url:         base + healthPath,
		interval:    interval,
		client:      client,
		logger:      logger,
	}, nil
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe performs one health check and publishes the result.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	if ctx.Err() != nil {
		return p.Online()
	}
	if p.set(online) {
		p.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	return online
}

func (p *Prober) check(ctx context.Context) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	response, err := p.client.Do(request)
	if err != nil {
		p.logger.Debug("health probe failed", zap.Error(err))
		return false
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	return response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices
}
