package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hyperion/pkg/types"
)

const (
	nodesPath       = "/nodes?on_conflict=id"
	settlementsPath = "/settlements"
)

type HTTPOptions struct {
	// Endpoint is the base URL of the coordination service's REST API.
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Client   *http.Client
	Locator  Locator
}

// HTTPReporter upserts node rows over a PostgREST style API.
type HTTPReporter struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	locator  Locator
	logger   *zap.Logger
}

func NewHTTPReporter(opts HTTPOptions, logger *zap.Logger) (*HTTPReporter, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid report endpoint %q", opts.Endpoint)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Locator == nil {
		opts.Locator = StaticLocator{}
	}
	return &HTTPReporter{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		apiKey:   opts.APIKey,
		timeout:  opts.Timeout,
		client:   opts.Client,
		locator:  opts.Locator,
		logger:   logger.Named("reporter"),
	}, nil
}

func (r *HTTPReporter) Report(ctx context.Context, snap types.StatusSnapshot) error {
	rec := NodeRecordFrom(snap, r.locator.Locate())
	return r.post(ctx, nodesPath, rec, true)
}

func (r *HTTPReporter) Settle(ctx context.Context, s types.Settlement) error {
	rec, err := SettlementRecordFrom(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReport, err)
	}
	return r.post(ctx, settlementsPath, rec, false)
}

func (r *HTTPReporter) post(ctx context.Context, path string, body any, upsert bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal body: %v", ErrReport, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReport, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if upsert {
		req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")
	} else {
		req.Header.Set("Prefer", "return=minimal")
	}
	if r.apiKey != "" {
		req.Header.Set("apikey", r.apiKey)
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReport, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: POST %s returned %s: %s", ErrReport, path, resp.Status, bytes.TrimSpace(snippet))
	}
	r.logger.Debug("reported", zap.String("path", path), zap.String("request_id", reqID))
	return nil
}
