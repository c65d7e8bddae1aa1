// Package tokenrefresh implements the Token Refresher (C3): staleness
// detection, the retry-with-backoff wrapper, and one refresh
// implementation per provider family. Providers whose token endpoint
// follows the standard OAuth2 refresh-token grant (codex, gemini-cli,
// antigravity, qwen, iflow) go through golang.org/x/oauth2; providers with
// a bespoke JSON body (claude, kiro) or a secondary token exchange
// (github/Copilot) are hand-rolled, same as the teacher's
// CopilotTokenSource did for the one secondary exchange it needed.
package tokenrefresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/rakunlabs/aigateway/internal/model"
)

// Result is the normalised outcome of a provider refresh call.
type Result struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds
}

// NeedsRefresh implements spec §4.3: a connection with no ExpiresAt never
// needs refreshing; otherwise it is stale once less than bufferMs remains.
func NeedsRefresh(conn model.Connection, bufferMs int64, now time.Time) bool {
	if !conn.ExpiresAt.Valid {
		return false
	}
	remaining := conn.ExpiresAt.V.Time.Sub(now)
	return remaining < time.Duration(bufferMs)*time.Millisecond
}

// RefreshFunc performs one refresh attempt; it may return (nil, err) or
// (nil, nil) on a soft failure (treated identically by the retry wrapper).
type RefreshFunc func(ctx context.Context) (*Result, error)

// linearBackOff implements backoff.BackOff with the spec's fixed policy:
// attempt N waits N*1000ms (1s, 2s, 3s, ...).
type linearBackOff struct{ attempt int }

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * time.Second
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// RefreshWithRetry retries fn up to maxRetries times with linear backoff,
// logging every failure. It never returns an error to the caller — per
// spec §4.3 the caller treats a nil Result as "use the current token as
// best effort" rather than failing the request outright.
func RefreshWithRetry(ctx context.Context, fn RefreshFunc, maxRetries int) *Result {
	bo := &linearBackOff{}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, err := fn(ctx)
		if err != nil {
			slog.Warn("token refresh attempt failed", "attempt", attempt, "error", err)
		} else if result != nil {
			return result
		} else {
			slog.Warn("token refresh attempt returned no result", "attempt", attempt)
		}

		if attempt == maxRetries {
			break
		}

		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}

	slog.Error("token refresh exhausted retries, continuing with existing token")
	return nil
}

// Refresh dispatches to the provider-family-specific refresh
// implementation. provider is the Connection.Provider tag (e.g. "claude",
// "github", "cursor").
func Refresh(ctx context.Context, provider string, conn model.Connection, cfg model.ProviderConfig) (*Result, error) {
	switch provider {
	case "cursor":
		return nil, nil // tokens are imported manually, never refreshed.
	case "claude":
		return refreshClaude(ctx, conn, cfg)
	case "codex":
		return refreshOAuth2Form(ctx, conn, cfg, oauth2.AuthStyleAutoDetect, []string{"openid", "profile", "email", "offline_access"})
	case "gemini-cli", "antigravity":
		return refreshOAuth2Form(ctx, conn, cfg, oauth2.AuthStyleAutoDetect, nil)
	case "qwen":
		return refreshOAuth2Form(ctx, conn, cfg, oauth2.AuthStyleInParams, nil)
	case "iflow":
		return refreshOAuth2Form(ctx, conn, cfg, oauth2.AuthStyleInHeader, nil)
	case "github":
		return refreshGithub(ctx, conn, cfg)
	case "kiro":
		return refreshKiro(ctx, conn, cfg)
	default:
		return nil, fmt.Errorf("tokenrefresh: unknown provider %q", provider)
	}
}

// refreshOAuth2Form covers codex, gemini-cli, antigravity, qwen, and iflow:
// all speak the standard OAuth2 refresh-token grant over a form-encoded
// POST. scopes, when set, are carried on the refresh request the same way
// the oauth2 package always does for a Config with non-empty Scopes.
func refreshOAuth2Form(ctx context.Context, conn model.Connection, cfg model.ProviderConfig, style oauth2.AuthStyle, scopes []string) (*Result, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.RefreshURL,
			AuthStyle: style,
		},
	}

	existing := &oauth2.Token{
		RefreshToken: conn.RefreshToken,
	}

	src := oauthCfg.TokenSource(ctx, existing)
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth2 refresh: %w", err)
	}

	expiresIn := int64(0)
	if !tok.Expiry.IsZero() {
		expiresIn = int64(time.Until(tok.Expiry).Seconds())
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken // most providers don't rotate the refresh token
	}

	return &Result{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

// refreshClaude speaks Anthropic's JSON refresh body directly — the
// oauth2 package only ever sends form-encoded token requests, so a
// JSON-bodied provider needs its own client, same reasoning the teacher
// applied when it reached for stdlib net/http in CopilotTokenSource
// instead of forcing klient's JSON-API assumptions onto a one-off call.
func refreshClaude(ctx context.Context, conn model.Connection, cfg model.ProviderConfig) (*Result, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": conn.RefreshToken,
		"client_id":     cfg.ClientID,
	}

	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := postJSON(ctx, cfg.RefreshURL, body, nil, &resp); err != nil {
		return nil, err
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken
	}

	return &Result{AccessToken: resp.AccessToken, RefreshToken: refreshToken, ExpiresIn: resp.ExpiresIn}, nil
}

// refreshGithub refreshes the underlying GitHub OAuth token, then performs
// the secondary exchange for a short-lived Copilot JWT, mirroring
// CopilotTokenSource from the teacher's openai provider.
func refreshGithub(ctx context.Context, conn model.Connection, cfg model.ProviderConfig) (*Result, error) {
	githubResult, err := refreshOAuth2Form(ctx, conn, cfg, oauth2.AuthStyleInParams, nil)
	if err != nil {
		return nil, fmt.Errorf("refresh github oauth token: %w", err)
	}

	copilotToken, expiresAt, err := exchangeCopilotToken(ctx, githubResult.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("exchange copilot token: %w", err)
	}

	// The Connection's AccessToken field carries the short-lived Copilot
	// JWT (what the Provider Executor sends upstream); RefreshToken keeps
	// the long-lived GitHub OAuth token so the next refresh can redo this
	// exchange.
	return &Result{
		AccessToken:  copilotToken,
		RefreshToken: githubResult.RefreshToken,
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
	}, nil
}

const copilotTokenEndpoint = "https://api.github.com/copilot_internal/v2/token"

func exchangeCopilotToken(ctx context.Context, githubAccessToken string) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotTokenEndpoint, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+githubAccessToken)
	req.Header.Set("User-Agent", "GithubCopilot/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("copilot token exchange returned %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var parsed struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Token == "" {
		return "", time.Time{}, fmt.Errorf("empty copilot token in response")
	}

	return parsed.Token, time.Unix(parsed.ExpiresAt, 0), nil
}

// refreshKiro branches on the connection's provider-specific data: AWS SSO
// OIDC when clientId/clientSecret are present, otherwise Kiro's own
// social-auth refresh endpoint. Both speak JSON and return camelCase
// field names per spec §4.3.
func refreshKiro(ctx context.Context, conn model.Connection, cfg model.ProviderConfig) (*Result, error) {
	clientID, _ := conn.ProviderSpecificData["clientId"].(string)
	clientSecret, _ := conn.ProviderSpecificData["clientSecret"].(string)

	var url string
	body := map[string]string{"refreshToken": conn.RefreshToken}

	if clientID != "" && clientSecret != "" {
		region, _ := conn.ProviderSpecificData["region"].(string)
		if region == "" {
			region = "us-east-1"
		}
		url = fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
		body["grantType"] = "refresh_token"
		body["clientId"] = clientID
		body["clientSecret"] = clientSecret
	} else {
		url = cfg.RefreshURL
	}

	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err := postJSON(ctx, url, body, nil, &resp); err != nil {
		return nil, err
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken
	}

	return &Result{AccessToken: resp.AccessToken, RefreshToken: refreshToken, ExpiresIn: resp.ExpiresIn}, nil
}

func postJSON(ctx context.Context, url string, body any, headers map[string]string, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("refresh endpoint returned %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
