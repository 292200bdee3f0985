package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-oauth-dance/flowstate"
	"github.com/jrsteele09/go-oauth-dance/internal/config"
	"github.com/jrsteele09/go-oauth-dance/provider"
	"github.com/jrsteele09/go-oauth-dance/server"
	"github.com/jrsteele09/go-oauth-dance/token"
)

const janitorInterval = time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Error running server")
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("Recovered from panic: %v", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(c)
	displayAppname(c.AppName)

	tokens, closeTokens, err := openTokenStore(c)
	if err != nil {
		return err
	}
	defer closeTokens()

	endpoints, err := provider.KeycloakRealmEndpoints(c.KeycloakServerURL, c.KeycloakRealm)
	if err != nil {
		return err
	}
	keycloakOpts := provider.KeycloakOptions{
		BaseURL:          endpoints.Issuer + "/",
		AuthorizationURL: endpoints.AuthorizationURL,
		TokenURL:         endpoints.TokenURL,
		RevocationURL:    endpoints.RevocationURL,
		Scopes:           c.KeycloakScopes,
		CallbackURL:      c.CallbackURL("/" + provider.KeycloakName + "/authorized"),
		RedirectTo:       "profile",
	}
	if c.VerifyIDTokens {
		keycloakOpts.Issuer = endpoints.Issuer
		keycloakOpts.JWKSURL = endpoints.JWKSURL
	}
	keycloak, err := provider.Keycloak(keycloakOpts)
	if err != nil {
		return err
	}

	states := flowstate.NewInMemoryRepo()
	srv, err := server.New(c, server.Deps{
		Provider:    keycloak,
		UserInfoURL: endpoints.UserInfoURL,
		Tokens:      tokens,
		States:      states,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunJanitor(ctx, janitorInterval)

	httpServer := &http.Server{Addr: c.GetPort(), Handler: srv}
	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(httpServer) }()

	select {
	case err := <-errCh:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(httpServer)
}

func openTokenStore(c config.Config) (token.Store, func(), error) {
	if c.TokenDB == "" {
		log.Warn().Msg("TOKEN_DB not set, tokens are kept in memory")
		return token.NewInMemoryStore(), func() {}, nil
	}

	key, err := c.EncryptionKey()
	if err != nil {
		return nil, nil, err
	}
	var opts []token.SQLOption
	if key != nil {
		opts = append(opts, token.WithEncryptionKey(key))
	} else {
		log.Warn().Msg("TOKEN_ENCRYPTION_KEY not set, tokens are stored unencrypted")
	}

	store, err := token.OpenSQLStore(c.TokenDB, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open token store: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Err(err).Msg("Failed to close token store")
		}
	}, nil
}

func setupLogging(c config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if c.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func listenAndServe(server *http.Server) error {
	log.Info().Msgf("Server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
