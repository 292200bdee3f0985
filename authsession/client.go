package authsession

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-oauth-dance/token"
)

// Client makes HTTP requests to the provider's API on behalf of one identity.
// It holds no token of its own; every request asks the Manager for one.
type Client struct {
	manager  *Manager
	identity string
}

// Client returns the session wrapper for identity. It is cheap to create and
// does not touch the store.
func (m *Manager) Client(identity string) *Client {
	return &Client{manager: m, identity: identity}
}

// Identity returns the identity this client acts for.
func (c *Client) Identity() string {
	return c.identity
}

// Token returns a valid token, refreshing it if needed.
func (c *Client) Token(ctx context.Context) (token.Token, error) {
	return c.manager.Token(ctx, c.identity)
}

// Authorized reports whether a token is stored for this identity.
func (c *Client) Authorized(ctx context.Context) bool {
	return c.manager.Authorized(ctx, c.identity)
}

// Do sends req with an Authorization header for the current token. Relative
// request URLs are resolved against the provider's base URL. req itself is
// not modified.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	tok, err := c.manager.Token(req.Context(), c.identity)
	if err != nil {
		closeBody(req)
		return nil, err
	}

	out := req.Clone(req.Context())
	if !out.URL.IsAbs() {
		u, err := c.resolve(out.URL)
		if err != nil {
			closeBody(req)
			return nil, err
		}
		out.URL = u
		out.Host = u.Host
	}
	out.Header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return c.manager.httpClient.Do(out)
}

// closeBody releases the body of a request that is never sent, as
// http.Client.Do does.
func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

// NewRequest builds a request whose URL may be relative to the provider's
// base URL.
func (c *Client) NewRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, rawURL, body)
}

// Get issues a GET to rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues a POST to rawURL with the given content type.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body io.Reader) (*http.Response, error) {
	req, err := c.NewRequest(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// PostForm issues a form-encoded POST to rawURL.
func (c *Client) PostForm(ctx context.Context, rawURL string, data url.Values) (*http.Response, error) {
	return c.Post(ctx, rawURL, "application/x-www-form-urlencoded", strings.NewReader(data.Encode()))
}

func (c *Client) resolve(ref *url.URL) (*url.URL, error) {
	base, err := url.Parse(c.manager.cfg.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	return base.ResolveReference(ref), nil
}
