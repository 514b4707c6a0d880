package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nidhogg/agora/internal/pipeline"
	"go.uber.org/zap"
)

// Client calls an external headless-browser verification service that loads
// a deployed URL and checks it against the project requirements. The
// orchestrator treats any error here as VerificationUnavailable and
// auto-passes the gate with a warning.
type Client struct {
	endpoint string
	httpc    *http.Client
	logger   *zap.Logger
}

// NewClient creates a verification client against the given endpoint.
func NewClient(endpoint string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		httpc:    &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type verifyRequest struct {
	URL          string `json:"url"`
	Requirements string `json:"requirements"`
}

// Verify posts the URL and requirements and decodes the verdict.
func (c *Client) Verify(ctx context.Context, url, requirements string) (*pipeline.Verdict, error) {
	body, err := json.Marshal(verifyRequest{URL: url, Requirements: requirements})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verify %s: status %d", url, resp.StatusCode)
	}

	var verdict pipeline.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}

	c.logger.Info("verification completed",
		zap.String("url", url), zap.Bool("passed", verdict.Passed))
	return &verdict, nil
}
