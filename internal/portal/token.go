package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"volcanosync/internal/config"
)

// Token holds one generated portal token.
type Token struct {
	Value   string
	Expires time.Time
	SSL     bool
}

// TokenProvider generates and caches portal tokens for one account. Portal
// tokens cannot be refreshed, only regenerated, so a token nearing expiry
// is simply replaced.
type TokenProvider struct {
	generateURL string
	referer     string
	username    string
	password    string
	minutes     int
	http        *http.Client
	logger      *zap.Logger

	mu    sync.Mutex
	token *Token
}

// NewTokenProvider creates a token provider for the configured account.
// The password stays inside the provider and never appears in logs or
// errors.
func NewTokenProvider(cfg *config.Config, password string, httpClient *http.Client, logger *zap.Logger) *TokenProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.PortalTimeout()}
	}

	return &TokenProvider{
		generateURL: strings.TrimRight(cfg.Portal.URL, "/") + "/sharing/rest/generateToken",
		referer:     cfg.PortalReferer(),
		username:    cfg.Portal.Username,
		password:    password,
		minutes:     cfg.Portal.TokenMinutes,
		http:        httpClient,
		logger:      logger,
	}
}

// Current returns a token with at least a few minutes of life left,
// generating a fresh one if necessary. The lock is held across the whole
// check-generate-store so concurrent callers share one generation.
func (p *TokenProvider) Current(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Check expiry (with margin)
	if p.token != nil && time.Now().Add(5*time.Minute).Before(p.token.Expires) {
		return p.token.Value, nil
	}

	p.logger.Debug("Generating portal token", zap.String("username", p.username))
	token, err := p.generate(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	p.token = token

	return token.Value, nil
}

// generate asks the portal for a new referer-bound token.
func (p *TokenProvider) generate(ctx context.Context) (*Token, error) {
	form := url.Values{}
	form.Set("username", p.username)
	form.Set("password", p.password)
	form.Set("client", "referer")
	form.Set("referer", p.referer)
	form.Set("expiration", strconv.Itoa(p.minutes))
	form.Set("f", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.generateURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request returned status %d: %s", resp.StatusCode, snippet(body))
	}
	if err := checkEnvelope(body); err != nil {
		return nil, err
	}

	var wire struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
		SSL     bool   `json:"ssl"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if wire.Token == "" {
		return nil, fmt.Errorf("portal returned no token")
	}

	return &Token{
		Value:   wire.Token,
		Expires: time.UnixMilli(wire.Expires),
		SSL:     wire.SSL,
	}, nil
}
