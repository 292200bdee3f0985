package flow_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-oauth-dance/autherr"
	"github.com/jrsteele09/go-oauth-dance/flow"
	"github.com/jrsteele09/go-oauth-dance/flowstate"
	"github.com/jrsteele09/go-oauth-dance/provider"
	"github.com/jrsteele09/go-oauth-dance/token"
)

const (
	testClientID     = "abc"
	testClientSecret = "secret"
	testIdentity     = "session-1"
	testCallbackURL  = "https://app.example/keycloak/authorized?next=/home"
)

// fakeProvider is a token and revocation endpoint that records each request.
type fakeProvider struct {
	server *httptest.Server

	mu           sync.Mutex
	tokenForms   []url.Values
	revokeForms  []url.Values
	tokenHandler http.HandlerFunc
	jwks         string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	p.tokenHandler = jsonResponse(http.StatusOK, `{"access_token":"access-1","refresh_token":"refresh-1","token_type":"bearer","expires_in":300,"session_state":"xyz"}`)
	p.jwks = `{"keys":[]}`

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.tokenForms = append(p.tokenForms, r.PostForm)
		h := p.tokenHandler
		p.mu.Unlock()
		h(w, r)
	})
	mux.HandleFunc("POST /revoke", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.revokeForms = append(p.revokeForms, r.PostForm)
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /certs", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		keys := p.jwks
		p.mu.Unlock()
		jsonResponse(http.StatusOK, keys)(w, r)
	})

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) setTokenHandler(h http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenHandler = h
}

// publishKey serves key's public half as the only entry of the JWKS.
func (p *fakeProvider) publishKey(kid string, key *rsa.PrivateKey) {
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jwks = fmt.Sprintf(`{"keys":[{"kty":"RSA","use":"sig","alg":"RS256","kid":%q,"n":%q,"e":%q}]}`, kid, n, e)
}

func (p *fakeProvider) tokenCalls() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.tokenForms...)
}

func (p *fakeProvider) revokeCalls() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.revokeForms...)
}

func (p *fakeProvider) options() provider.Options {
	return provider.Options{
		Name:             "keycloak",
		BaseURL:          p.server.URL + "/",
		AuthorizationURL: p.server.URL + "/auth",
		TokenURL:         p.server.URL + "/token",
		ClientID:         testClientID,
		ClientSecret:     testClientSecret,
		Scopes:           []string{"openid", "profile"},
		CallbackURL:      testCallbackURL,
	}
}

func jsonResponse(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	provider *fakeProvider
	store    *token.InMemoryStore
	states   *flowstate.InMemoryRepo
	clock    *testClock
	flow     *flow.Flow
}

func setupFixture(t *testing.T, modify ...func(*provider.Options)) *fixture {
	t.Helper()
	p := newFakeProvider(t)
	opts := p.options()
	for _, m := range modify {
		m(&opts)
	}
	cfg, err := provider.New(opts)
	require.NoError(t, err)

	f := &fixture{
		provider: p,
		store:    token.NewInMemoryStore(),
		states:   flowstate.NewInMemoryRepo(),
		clock:    newTestClock(),
	}
	f.flow, err = flow.New(cfg, f.store, f.states,
		flow.WithHTTPClient(p.server.Client()),
		flow.WithClock(f.clock.Now),
		flow.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) begin(t *testing.T) *flow.LoginRedirect {
	t.Helper()
	redirect, err := f.flow.BeginLogin(context.Background(), testIdentity)
	require.NoError(t, err)
	return redirect
}

func TestBeginLogin(t *testing.T) {
	t.Run("scenario", func(t *testing.T) {
		cfg, err := provider.New(provider.Options{
			Name:             "idp",
			BaseURL:          "https://idp.example/",
			AuthorizationURL: "https://idp.example/auth",
			TokenURL:         "https://idp.example/token",
			ClientID:         "abc",
			ClientSecret:     "secret",
			Scopes:           []string{"openid", "profile"},
			CallbackURL:      "https://app.example/idp/authorized",
		})
		require.NoError(t, err)
		fl, err := flow.New(cfg, token.NewInMemoryStore(), flowstate.NewInMemoryRepo(), flow.WithLogger(zerolog.Nop()))
		require.NoError(t, err)

		redirect, err := fl.BeginLogin(context.Background(), testIdentity)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(redirect.URL, "https://idp.example/auth?"), redirect.URL)
		require.Contains(t, redirect.URL, "client_id=abc")
		require.Contains(t, redirect.URL, "scope=openid+profile")
	})

	t.Run("all parameters present and escaped", func(t *testing.T) {
		f := setupFixture(t)
		redirect := f.begin(t)

		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		q := u.Query()
		require.Equal(t, "code", q.Get("response_type"))
		require.Equal(t, testClientID, q.Get("client_id"))
		require.Equal(t, testCallbackURL, q.Get("redirect_uri"))
		require.Equal(t, "openid profile", q.Get("scope"))
		require.Equal(t, redirect.State, q.Get("state"))

		require.Contains(t, redirect.URL, "redirect_uri="+url.QueryEscape(testCallbackURL))
		require.NotEmpty(t, redirect.AttemptID)
		require.Equal(t, f.clock.Now().Add(flow.DefaultStateTTL), redirect.ExpiresAt)
	})

	t.Run("states are unique", func(t *testing.T) {
		f := setupFixture(t)
		first := f.begin(t)
		second := f.begin(t)
		require.NotEqual(t, first.State, second.State)
		require.GreaterOrEqual(t, len(first.State), 43)
	})

	t.Run("redirect uri override", func(t *testing.T) {
		f := setupFixture(t)
		redirect, err := f.flow.BeginLogin(context.Background(), testIdentity, flow.WithRedirectURI("http://localhost:8080/cb"))
		require.NoError(t, err)

		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		require.Equal(t, "http://localhost:8080/cb", u.Query().Get("redirect_uri"))
	})

	t.Run("no redirect uri", func(t *testing.T) {
		f := setupFixture(t, func(o *provider.Options) { o.CallbackURL = "" })
		_, err := f.flow.BeginLogin(context.Background(), testIdentity)
		require.ErrorIs(t, err, autherr.ErrConfig)
	})

	t.Run("no network calls", func(t *testing.T) {
		f := setupFixture(t)
		f.begin(t)
		require.Empty(t, f.provider.tokenCalls())
	})
}

func TestHandleCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f := setupFixture(t)
		redirect := f.begin(t)

		tok, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{
			"code":  {"code-1"},
			"state": {redirect.State},
		})
		require.NoError(t, err)
		require.Equal(t, "access-1", tok.AccessToken)
		require.Equal(t, "refresh-1", tok.RefreshToken)
		require.Equal(t, "Bearer", tok.Type())
		require.Equal(t, f.clock.Now().Add(300*time.Second), tok.Expiry)
		require.Equal(t, "xyz", tok.Extra("session_state"))

		calls := f.provider.tokenCalls()
		require.Len(t, calls, 1)
		require.Equal(t, "authorization_code", calls[0].Get("grant_type"))
		require.Equal(t, "code-1", calls[0].Get("code"))
		require.Equal(t, testCallbackURL, calls[0].Get("redirect_uri"))
		require.Equal(t, testClientID, calls[0].Get("client_id"))
		require.Equal(t, testClientSecret, calls[0].Get("client_secret"))

		stored, err := f.store.Get(ctx, token.Key{Provider: "keycloak", Identity: testIdentity})
		require.NoError(t, err)
		require.Equal(t, tok.AccessToken, stored.AccessToken)
	})

	t.Run("no expires_in never expires", func(t *testing.T) {
		f := setupFixture(t)
		f.provider.setTokenHandler(jsonResponse(http.StatusOK, `{"access_token":"access-1","token_type":"bearer"}`))
		redirect := f.begin(t)

		tok, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {redirect.State}})
		require.NoError(t, err)
		require.True(t, tok.Expiry.IsZero())
	})

	t.Run("state mismatch", func(t *testing.T) {
		f := setupFixture(t)
		f.begin(t)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{
			"code":  {"valid-code"},
			"state": {"forged"},
		})
		require.ErrorIs(t, err, autherr.ErrCSRF)
		require.Empty(t, f.provider.tokenCalls())
	})

	t.Run("state missing", func(t *testing.T) {
		f := setupFixture(t)
		f.begin(t)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"valid-code"}})
		require.ErrorIs(t, err, autherr.ErrCSRF)
	})

	t.Run("mismatch aborts the attempt", func(t *testing.T) {
		f := setupFixture(t)
		redirect := f.begin(t)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {"forged"}})
		require.ErrorIs(t, err, autherr.ErrCSRF)

		// The genuine state is no longer accepted either
		_, err = f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {redirect.State}})
		require.ErrorIs(t, err, autherr.ErrCSRF)
	})

	t.Run("no pending login", func(t *testing.T) {
		f := setupFixture(t)
		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {"anything"}})
		require.ErrorIs(t, err, autherr.ErrCSRF)
	})

	t.Run("state of another identity", func(t *testing.T) {
		f := setupFixture(t)
		redirect := f.begin(t)

		_, err := f.flow.HandleCallback(ctx, "session-2", url.Values{"code": {"c"}, "state": {redirect.State}})
		require.ErrorIs(t, err, autherr.ErrCSRF)
	})

	t.Run("replay", func(t *testing.T) {
		f := setupFixture(t)
		redirect := f.begin(t)
		params := url.Values{"code": {"code-1"}, "state": {redirect.State}}

		_, err := f.flow.HandleCallback(ctx, testIdentity, params)
		require.NoError(t, err)

		_, err = f.flow.HandleCallback(ctx, testIdentity, params)
		require.True(t, errors.Is(err, autherr.ErrCSRF) || errors.Is(err, autherr.ErrExpiredState), "got %v", err)
		require.Len(t, f.provider.tokenCalls(), 1)
	})

	t.Run("expired state", func(t *testing.T) {
		f := setupFixture(t)
		redirect := f.begin(t)
		f.clock.Advance(flow.DefaultStateTTL + time.Second)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {redirect.State}})
		require.ErrorIs(t, err, autherr.ErrExpiredState)
		require.Empty(t, f.provider.tokenCalls())
	})

	t.Run("just inside ttl", func(t *testing.T) {
		f := setupFixture(t)
		redirect := f.begin(t)
		f.clock.Advance(flow.DefaultStateTTL - time.Second)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {redirect.State}})
		require.NoError(t, err)
	})

	t.Run("provider error", func(t *testing.T) {
		f := setupFixture(t)
		redirect := f.begin(t)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{
			"error": {"access_denied"},
			"state": {redirect.State},
		})
		require.ErrorIs(t, err, autherr.ErrAuthorization)

		var authErr *autherr.AuthorizationError
		require.True(t, errors.As(err, &authErr))
		require.Equal(t, "access_denied", authErr.Code)
		require.Equal(t, "access_denied", authErr.Description)
		require.Empty(t, f.provider.tokenCalls())
	})

	t.Run("provider error with description", func(t *testing.T) {
		f := setupFixture(t)
		redirect := f.begin(t)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{
			"error":             {"access_denied"},
			"error_description": {"User cancelled"},
			"state":             {redirect.State},
		})
		var authErr *autherr.AuthorizationError
		require.True(t, errors.As(err, &authErr))
		require.Equal(t, "User cancelled", authErr.Description)
		require.Contains(t, err.Error(), "access_denied")
	})

	t.Run("missing code", func(t *testing.T) {
		f := setupFixture(t)
		redirect := f.begin(t)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"state": {redirect.State}})
		require.ErrorIs(t, err, autherr.ErrAuthorization)
		require.Empty(t, f.provider.tokenCalls())
	})

	t.Run("token endpoint rejects", func(t *testing.T) {
		f := setupFixture(t)
		f.provider.setTokenHandler(jsonResponse(http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Code not valid"}`))
		redirect := f.begin(t)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {redirect.State}})
		require.ErrorIs(t, err, autherr.ErrTokenExchange)

		var exErr *autherr.TokenExchangeError
		require.True(t, errors.As(err, &exErr))
		require.Equal(t, http.StatusBadRequest, exErr.Status)
		require.Contains(t, exErr.Body, "invalid_grant")

		_, err = f.store.Get(ctx, token.Key{Provider: "keycloak", Identity: testIdentity})
		require.ErrorIs(t, err, autherr.ErrTokenNotFound)
		require.Len(t, f.provider.tokenCalls(), 1, "exchange must not be retried")
	})

	t.Run("malformed token response", func(t *testing.T) {
		f := setupFixture(t)
		f.provider.setTokenHandler(jsonResponse(http.StatusOK, `{"access_token": `))
		redirect := f.begin(t)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {redirect.State}})
		var exErr *autherr.TokenExchangeError
		require.True(t, errors.As(err, &exErr))
		require.Equal(t, http.StatusOK, exErr.Status)
		require.Equal(t, `{"access_token": `, exErr.Body)
	})

	t.Run("signed id token is accepted", func(t *testing.T) {
		f, idToken := setupSignedIDToken(t, testClientID)
		f.provider.setTokenHandler(jsonResponse(http.StatusOK,
			fmt.Sprintf(`{"access_token":"a","token_type":"bearer","expires_in":300,"id_token":%q}`, idToken)))
		redirect := f.begin(t)

		tok, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {redirect.State}})
		require.NoError(t, err)
		require.Equal(t, idToken, tok.IDToken())

		claims, err := tok.IDTokenClaims()
		require.NoError(t, err)
		require.Equal(t, "user-1", claims["sub"])

		stored, err := f.store.Get(ctx, token.Key{Provider: "keycloak", Identity: testIdentity})
		require.NoError(t, err)
		require.Equal(t, "a", stored.AccessToken)
	})

	t.Run("id token for another audience is rejected", func(t *testing.T) {
		f, idToken := setupSignedIDToken(t, "some-other-client")
		f.provider.setTokenHandler(jsonResponse(http.StatusOK,
			fmt.Sprintf(`{"access_token":"a","token_type":"bearer","id_token":%q}`, idToken)))
		redirect := f.begin(t)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {redirect.State}})
		require.ErrorIs(t, err, autherr.ErrInvalidIDToken)

		_, err = f.store.Get(ctx, token.Key{Provider: "keycloak", Identity: testIdentity})
		require.ErrorIs(t, err, autherr.ErrTokenNotFound)
	})

	t.Run("id token is verified when keys are configured", func(t *testing.T) {
		f := setupFixture(t, func(o *provider.Options) {
			o.Issuer = o.BaseURL
			o.JWKSURL = strings.TrimSuffix(o.BaseURL, "/") + "/certs"
		})
		f.provider.setTokenHandler(jsonResponse(http.StatusOK, `{"access_token":"a","token_type":"bearer","id_token":"not-a-jwt"}`))
		redirect := f.begin(t)

		_, err := f.flow.HandleCallback(ctx, testIdentity, url.Values{"code": {"c"}, "state": {redirect.State}})
		require.ErrorIs(t, err, autherr.ErrInvalidIDToken)

		_, err = f.store.Get(ctx, token.Key{Provider: "keycloak", Identity: testIdentity})
		require.ErrorIs(t, err, autherr.ErrTokenNotFound)
	})
}

// setupSignedIDToken returns a fixture that verifies ID tokens against the
// fake provider's JWKS, and an RS256 ID token for audience signed with the
// published key.
func setupSignedIDToken(t *testing.T, audience string) (*fixture, string) {
	t.Helper()
	f := setupFixture(t, func(o *provider.Options) {
		o.Issuer = o.BaseURL
		o.JWKSURL = strings.TrimSuffix(o.BaseURL, "/") + "/certs"
	})
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f.provider.publishKey("test-key", key)

	now := f.clock.Now()
	idToken := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": f.provider.server.URL + "/",
		"aud": audience,
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	idToken.Header["kid"] = "test-key"
	signed, err := idToken.SignedString(key)
	require.NoError(t, err)
	return f, signed
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	key := token.Key{Provider: "keycloak", Identity: testIdentity}

	t.Run("revokes and deletes", func(t *testing.T) {
		f := setupFixture(t, func(o *provider.Options) {
			o.RevocationURL = strings.TrimSuffix(o.BaseURL, "/") + "/revoke"
		})
		require.NoError(t, f.store.Put(ctx, key, token.Token{AccessToken: "access-1", RefreshToken: "refresh-1"}))

		require.NoError(t, f.flow.Logout(ctx, testIdentity))

		revoked := f.provider.revokeCalls()
		require.Len(t, revoked, 2)
		require.Equal(t, "refresh-1", revoked[0].Get("token"))
		require.Equal(t, "refresh_token", revoked[0].Get("token_type_hint"))
		require.Equal(t, "access-1", revoked[1].Get("token"))
		require.Equal(t, testClientID, revoked[1].Get("client_id"))

		_, err := f.store.Get(ctx, key)
		require.ErrorIs(t, err, autherr.ErrTokenNotFound)
	})

	t.Run("without revocation endpoint", func(t *testing.T) {
		f := setupFixture(t)
		require.NoError(t, f.store.Put(ctx, key, token.Token{AccessToken: "access-1"}))

		require.NoError(t, f.flow.Logout(ctx, testIdentity))
		require.Empty(t, f.provider.revokeCalls())

		_, err := f.store.Get(ctx, key)
		require.ErrorIs(t, err, autherr.ErrTokenNotFound)
	})

	t.Run("not logged in", func(t *testing.T) {
		f := setupFixture(t)
		require.NoError(t, f.flow.Logout(ctx, testIdentity))
	})
}

func TestNew(t *testing.T) {
	p := newFakeProvider(t)
	cfg, err := provider.New(p.options())
	require.NoError(t, err)

	_, err = flow.New(cfg, nil, flowstate.NewInMemoryRepo())
	require.Error(t, err)
	_, err = flow.New(cfg, token.NewInMemoryStore(), nil)
	require.Error(t, err)
	_, err = flow.New(cfg, token.NewInMemoryStore(), flowstate.NewInMemoryRepo(), flow.WithStateTTL(0))
	require.ErrorIs(t, err, autherr.ErrConfig)
}
