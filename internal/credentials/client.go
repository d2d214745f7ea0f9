// Package credentials fetches short-lived recognition tokens from the
// bookkeeping backend's voice token proxy, so device clients never hold the
// cloud account keys.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/suanli-labs/voice-core/internal/asr"
)

// refreshWindow renews the cached token this long before it expires, matching
// the proxy's own cache discipline.
const refreshWindow = 5 * time.Minute

// Credentials is one issued token with the endpoints it is valid for.
type Credentials struct {
	Token             string    `json:"token"`
	ExpiresAt         time.Time `json:"expires_at"`
	AppKey            string    `json:"app_key"`
	StreamingEndpoint string    `json:"asr_url"`
	RESTEndpoint      string    `json:"asr_rest_url"`
}

// Provider is the credential service consumed by the recognition backends.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
	// Invalidate drops any cached credentials so the next call fetches fresh
	// ones. Callers use it after the gateway rejects a token.
	Invalidate()
}

// Client talks to `GET {base}/api/v1/voice/token` with a bearer application
// token and caches the result until shortly before expiry. All failures are
// wrapped as token-failed: without a token no online backend can run.
type Client struct {
	baseURL  string
	appToken string
	http     *http.Client
	log      *slog.Logger

	mu     sync.Mutex
	cached Credentials
	now    func() time.Time
}

func NewClient(baseURL, appToken string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		appToken: appToken,
		http:     &http.Client{Timeout: timeout},
		log:      log.With(slog.String("component", "credentials")),
		now:      time.Now,
	}
}

func (c *Client) Credentials(ctx context.Context) (Credentials, error) {
	c.mu.Lock()
	if c.cached.Token != "" && c.now().Before(c.cached.ExpiresAt.Add(-refreshWindow)) {
		creds := c.cached
		c.mu.Unlock()
		return creds, nil
	}
	c.mu.Unlock()

	creds, err := c.fetch(ctx)
	if err != nil {
		return Credentials{}, err
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	c.log.Debug("voice token refreshed", slog.Time("expires_at", creds.ExpiresAt))
	return creds, nil
}

func (c *Client) fetch(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/voice/token", nil)
	if err != nil {
		return Credentials{}, asr.WrapError(asr.KindTokenFailed, "build token request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.appToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return Credentials{}, asr.WrapError(asr.KindTokenFailed, "request voice token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credentials{}, asr.NewError(asr.KindTokenFailed,
			fmt.Sprintf("token service returned %s", resp.Status))
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, asr.WrapError(asr.KindTokenFailed, "decode token response", err)
	}
	if creds.Token == "" {
		return Credentials{}, asr.NewError(asr.KindTokenFailed, "token service returned empty token")
	}
	return creds, nil
}

// Invalidate drops the cached token, forcing a refresh on the next call. Used
// after an unauthorized response from a recognition gateway.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = Credentials{}
	c.mu.Unlock()
}
