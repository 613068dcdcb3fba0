package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"katasu/internal/config"
)

const maxResponseBytes = 1 << 20

// ErrUnavailable marks classifier outages (transport errors, 429, 5xx).
// Callers retry; they must never publish on it.
var ErrUnavailable = errors.New("moderation service unavailable")

type Gate struct {
	client   *http.Client
	endpoint string
	apiKey   string
	model    string
	timeout  time.Duration
	log      zerolog.Logger
}

func NewGate(cfg config.ModerationConfig, client *http.Client, log zerolog.Logger) *Gate {
	if client == nil {
		client = &http.Client{}
	}
	return &Gate{
		client:   client,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		log:      log,
	}
}

type checkRequest struct {
	Model string      `json:"model,omitempty"`
	Input []inputPart `json:"input"`
}

type inputPart struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type imageURL struct {
	URL string `json:"url"`
}

type checkResponse struct {
	Results []struct {
		Flagged *bool `json:"flagged"`
	} `json:"results"`
}

// Check asks the classifier about the image at publicURL, which must already
// be fetchable. Any answer without an explicit verdict counts as flagged.
func (g *Gate) Check(ctx context.Context, publicURL string) (bool, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	body, err := json.Marshal(checkRequest{
		Model: g.model,
		Input: []inputPart{{Type: "image_url", ImageURL: imageURL{URL: publicURL}}},
	})
	if err != nil {
		return true, fmt.Errorf("encode moderation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return true, fmt.Errorf("build moderation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.log.Warn().Int("status", resp.StatusCode).Str("url", publicURL).Msg("moderation rejected request, treating as flagged")
		return true, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return true, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if len(raw) > maxResponseBytes {
		g.log.Warn().Str("url", publicURL).Msg("moderation response too large, treating as flagged")
		return true, nil
	}

	var parsed checkResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		g.log.Warn().Err(err).Str("url", publicURL).Msg("malformed moderation response, treating as flagged")
		return true, nil
	}
	if len(parsed.Results) == 0 {
		g.log.Warn().Str("url", publicURL).Msg("moderation response without results, treating as flagged")
		return true, nil
	}
	for _, result := range parsed.Results {
		if result.Flagged == nil || *result.Flagged {
			return true, nil
		}
	}
	return false, nil
}
