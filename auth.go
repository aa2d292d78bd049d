package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuth endpoints and client identity for the upstream provider.
const (
	oauthClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	oauthTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	oauthAuthorizeURL = "https://claude.ai/oauth/authorize"
)

// tokenRefreshMargin refreshes tokens this long before expiry so a token
// never lapses mid-stream.
const tokenRefreshMargin = 5 * time.Minute

// PKCE contains the code verifier and challenge for the OAuth PKCE flow.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a PKCE code verifier and challenge.
func GeneratePKCE() (*PKCE, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCE{
		Verifier:  verifier,
		Challenge: challenge,
	}, nil
}

// OAuthSession stores the state for an in-progress login flow.
type OAuthSession struct {
	PKCE      *PKCE
	CreatedAt time.Time
	Label     string // optional caller-supplied label for the new account
}

// BuildAuthorizeURL generates the OAuth authorization URL and the PKCE
// session to hold until the user pastes the code back.
func BuildAuthorizeURL(label string) (string, *OAuthSession, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return "", nil, err
	}

	u, _ := url.Parse(oauthAuthorizeURL)
	q := u.Query()
	q.Set("code", "true")
	q.Set("client_id", oauthClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", oauthRedirectURI)
	q.Set("scope", "org:create_api_key user:profile user:inference")
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", pkce.Verifier)
	u.RawQuery = q.Encode()

	session := &OAuthSession{
		PKCE:      pkce,
		CreatedAt: time.Now(),
		Label:     label,
	}

	return u.String(), session, nil
}

// TokenResponse is the response from the OAuth token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Account      struct {
		UUID         string `json:"uuid"`
		EmailAddress string `json:"email_address"`
	} `json:"account"`
}

// credentials converts a token response into store credentials.
func (t *TokenResponse) credentials(now time.Time) Credentials {
	return Credentials{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(t.ExpiresIn) * time.Second),
		AccountID:    t.Account.UUID,
	}
}

// TokenRefresher keeps account bearer tokens live, refreshing through the
// OAuth token endpoint when they approach expiry.
type TokenRefresher struct {
	store    *CredentialStore
	tokenURL string
	client   *http.Client
}

func NewTokenRefresher(store *CredentialStore, tokenURL string, client *http.Client) *TokenRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	if tokenURL == "" {
		tokenURL = oauthTokenURL
	}
	return &TokenRefresher{store: store, tokenURL: tokenURL, client: client}
}

// EnsureValidToken returns a bearer token for email that is good for at
// least the refresh margin. Inside the margin the stored token is returned
// with no network call; otherwise the token is refreshed and persisted.
// A refresh failure means the credential is unusable for this attempt.
func (r *TokenRefresher) EnsureValidToken(ctx context.Context, email string) (string, error) {
	acc, ok := r.store.Get(email)
	if !ok {
		return "", fmt.Errorf("unknown account %s", email)
	}
	if !acc.ExpiresAt.IsZero() && time.Now().Before(acc.ExpiresAt.Add(-tokenRefreshMargin)) {
		return acc.AccessToken, nil
	}
	if acc.RefreshToken == "" {
		return "", fmt.Errorf("account %s has no refresh token", email)
	}

	tokens, err := r.exchange(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": acc.RefreshToken,
		"client_id":     oauthClientID,
	})
	if err != nil {
		return "", fmt.Errorf("refresh %s: %w", email, err)
	}

	r.store.UpdateTokens(email, tokens.credentials(time.Now()))
	return tokens.AccessToken, nil
}

// ExchangeCode trades an authorization code for tokens.
// The code format from the provider is code#state; split before sending.
func (r *TokenRefresher) ExchangeCode(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	codeOnly := code
	state := ""
	if idx := strings.IndexByte(code, '#'); idx >= 0 {
		codeOnly = code[:idx]
		state = code[idx+1:]
	}

	body := map[string]string{
		"code":          codeOnly,
		"grant_type":    "authorization_code",
		"client_id":     oauthClientID,
		"redirect_uri":  oauthRedirectURI,
		"code_verifier": verifier,
	}
	if state != "" {
		body["state"] = state
	}
	return r.exchange(ctx, body)
}

func (r *TokenRefresher) exchange(ctx context.Context, body map[string]string) (*TokenResponse, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token endpoint %s: %s", resp.Status, string(respBody))
	}

	var result TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &result, nil
}
