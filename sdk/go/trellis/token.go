package trellis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// tokenManager exchanges an API key for a JWT and caches it until shortly
// before expiry. Safe for concurrent use.
type tokenManager struct {
	baseURL string
	userID  string
	apiKey  string
	client  *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// refreshSkew renews the token this long before its nominal expiry so
// in-flight requests never carry an about-to-expire token.
const refreshSkew = 30 * time.Second

func newTokenManager(baseURL, userID, apiKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL: baseURL,
		userID:  userID,
		apiKey:  apiKey,
		client:  client,
	}
}

func (m *tokenManager) getToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && time.Until(m.expiresAt) > refreshSkew {
		return m.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"user_id": m.userID,
		"api_key": m.apiKey,
	})
	if err != nil {
		return "", fmt.Errorf("trellis: marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("trellis: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("trellis: POST /auth/token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("trellis: read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	var tok struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil || envelope.Data == nil {
		return "", fmt.Errorf("trellis: decode token envelope: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, &tok); err != nil {
		return "", fmt.Errorf("trellis: decode token: %w", err)
	}

	m.token = tok.Token
	m.expiresAt = tok.ExpiresAt
	return m.token, nil
}
