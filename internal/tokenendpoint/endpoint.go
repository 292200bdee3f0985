// Package tokenendpoint talks to a provider's authorization, token and
// revocation endpoints. The protocol work is done by golang.org/x/oauth2;
// this package adds the raw response capture needed for error reporting
// and provider-specific token fields.
package tokenendpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-oauth-dance/autherr"
	"github.com/jrsteele09/go-oauth-dance/provider"
	"github.com/jrsteele09/go-oauth-dance/token"
)

// maxBodySize caps how much of a token response is kept.
const maxBodySize = 1 << 20

// Endpoint issues requests for one provider.
type Endpoint struct {
	cfg        provider.Config
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// New returns an Endpoint. A nil httpClient uses http.DefaultClient and a
// nil now uses time.Now.
func New(cfg provider.Config, httpClient *http.Client, now func() time.Time) *Endpoint {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if now == nil {
		now = time.Now
	}
	return &Endpoint{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID(),
			ClientSecret: cfg.ClientSecret(),
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationURL(),
				TokenURL: cfg.TokenURL(),
				// Credentials go in the form body
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: cfg.Scopes(),
		},
		httpClient: httpClient,
		now:        now,
	}
}

// AuthCodeURL builds the browser redirect to the authorization endpoint.
func (e *Endpoint) AuthCodeURL(state, redirectURI string) string {
	return e.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
}

// Exchange trades an authorization code for a token. Codes are single use,
// so nothing is retried.
func (e *Endpoint) Exchange(ctx context.Context, code, redirectURI string) (token.Token, error) {
	rec := e.recorder()
	otok, err := e.oauth.Exchange(rec.context(ctx), code, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	if err != nil {
		return token.Token{}, rec.exchangeError(err)
	}
	return e.convert(otok, rec.body), nil
}

// Refresh runs the refresh_token grant. When the provider does not rotate
// the refresh token the old one is kept.
func (e *Endpoint) Refresh(ctx context.Context, refreshToken string) (token.Token, error) {
	rec := e.recorder()
	src := e.oauth.TokenSource(rec.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	otok, err := src.Token()
	if err != nil {
		return token.Token{}, rec.exchangeError(err)
	}
	tok := e.convert(otok, rec.body)
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// Revoke revokes one token at the RFC 7009 revocation endpoint.
func (e *Endpoint) Revoke(ctx context.Context, tok string, hint provider.TokenTypeHint) error {
	if e.cfg.RevocationURL() == "" {
		return errors.New("provider has no revocation endpoint")
	}

	form := url.Values{}
	form.Set("token", tok)
	form.Set("token_type_hint", string(hint))
	form.Set("client_id", e.cfg.ClientID())
	if e.cfg.ClientSecret() != "" {
		form.Set("client_secret", e.cfg.ClientSecret())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.RevocationURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &autherr.TokenExchangeError{Status: resp.StatusCode, Body: string(body), Err: errors.New("revocation rejected")}
	}
	return nil
}

// IsRejection reports whether err is the provider refusing a grant (a 4xx
// answer such as invalid_grant) rather than a transport or server failure.
func IsRejection(err error) bool {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) || rErr.Response == nil {
		return false
	}
	return rErr.Response.StatusCode >= 400 && rErr.Response.StatusCode < 500
}

func (e *Endpoint) convert(otok *oauth2.Token, body []byte) token.Token {
	raw := parseRaw(body)
	tok := token.Token{
		AccessToken:  otok.AccessToken,
		RefreshToken: otok.RefreshToken,
		TokenType:    otok.TokenType,
		Raw:          raw,
	}
	if secs, ok := expiresIn(raw); ok && secs > 0 {
		tok.Expiry = e.now().Add(time.Duration(secs) * time.Second)
	}
	return tok
}

// parseRaw decodes a JSON or form-encoded token response into a map.
func parseRaw(body []byte) map[string]any {
	raw := map[string]any{}
	if len(body) == 0 {
		return raw
	}
	if err := json.Unmarshal(body, &raw); err == nil {
		return raw
	}
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return map[string]any{}
	}
	raw = make(map[string]any, len(vals))
	for k := range vals {
		raw[k] = vals.Get(k)
	}
	return raw
}

func expiresIn(raw map[string]any) (int64, bool) {
	switch v := raw["expires_in"].(type) {
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func (e *Endpoint) recorder() *recordingTransport {
	base := e.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &recordingTransport{base: base, timeout: e.httpClient.Timeout}
}

// recordingTransport keeps the status and body of the last response so a
// failed exchange can be reported with what the provider actually sent.
// One is created per call.
type recordingTransport struct {
	base    http.RoundTripper
	timeout time.Duration
	status  int
	body    []byte
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	t.status = resp.StatusCode
	t.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func (t *recordingTransport) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: t, Timeout: t.timeout})
}

func (t *recordingTransport) exchangeError(err error) error {
	return &autherr.TokenExchangeError{Status: t.status, Body: string(t.body), Err: err}
}
