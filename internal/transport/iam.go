package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/TimurManjosov/appconfig/internal/apperr"
)

// IAMTokenSource exchanges an API key for IAM access tokens and caches them
// until 80% of their lifetime has passed.
type IAMTokenSource struct {
	url    string
	apikey string
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	token   string
	refresh time.Time
}

// NewIAMTokenSource creates a token source for the IAM endpoint iamURL.
func NewIAMTokenSource(iamURL, apikey string, client *http.Client) *IAMTokenSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &IAMTokenSource{
		url:    strings.TrimRight(iamURL, "/") + "/identity/token",
		apikey: apikey,
		client: client,
		now:    time.Now,
	}
}

type iamResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token returns a cached token or requests a new one.
func (s *IAMTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.refresh) {
		return s.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ibm:params:oauth:grant-type:apikey")
	form.Set("apikey", s.apikey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: failed to create token request: %v", apperr.ErrConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &apperr.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr iamResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", fmt.Errorf("%w: invalid token response", apperr.ErrParse)
	}
	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	s.token = tr.AccessToken
	s.refresh = s.now().Add(lifetime * 8 / 10)
	return s.token, nil
}
