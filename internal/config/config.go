package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the demo server's configuration, read from the environment.
// KEYCLOAK_OAUTH_CLIENT_ID and KEYCLOAK_OAUTH_CLIENT_SECRET are not part of
// it; the provider package reads those itself.
type Config struct {
	Port    string `env:"PORT" envDefault:"8080"`
	AppName string `env:"APP_NAME" envDefault:"OAuth Dance"`
	Env     string `env:"ENV" envDefault:"DEV"`

	// PublicURL is where browsers reach this server. The OAuth callback is
	// built from it.
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`

	KeycloakServerURL string   `env:"KEYCLOAK_SERVER_URL" envDefault:"http://localhost:8180"`
	KeycloakRealm     string   `env:"KEYCLOAK_REALM" envDefault:"master"`
	KeycloakScopes    []string `env:"KEYCLOAK_OAUTH_SCOPES" envDefault:"openid,profile,email" envSeparator:","`
	VerifyIDTokens    bool     `env:"KEYCLOAK_VERIFY_ID_TOKENS" envDefault:"true"`

	StateTTL     time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`
	ExpiryMargin time.Duration `env:"OAUTH_EXPIRY_MARGIN" envDefault:"60s"`

	// TokenDB is a SQLite DSN. Tokens are kept in memory when it is empty.
	TokenDB string `env:"TOKEN_DB"`
	// TokenKey is a base64 encoded 32 byte key for encrypting stored tokens.
	TokenKey string `env:"TOKEN_ENCRYPTION_KEY"`

	SecureCookies  bool          `env:"USE_HTTPS"`
	SessionMaxAge  time.Duration `env:"SESSION_MAX_AGE" envDefault:"1h"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
}

// Load reads .env files, if present, and then the environment. Variables
// already set in the environment win over .env values.
func Load(dotenvFiles ...string) (Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, file := range dotenvFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	return Parse(env.Options{})
}

// Parse reads the configuration using opts, which tests use to supply a
// fixed environment.
func Parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if c.StateTTL <= 0 {
		return Config{}, errors.New("OAUTH_STATE_TTL must be positive")
	}
	return c, nil
}

// GetPort returns the listen address, e.g. ":8080".
func (c Config) GetPort() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// IsDev reports whether the server runs in development mode.
func (c Config) IsDev() bool {
	return strings.EqualFold(c.Env, "DEV")
}

// CallbackURL is the redirect_uri registered with Keycloak.
func (c Config) CallbackURL(path string) string {
	return strings.TrimSuffix(c.PublicURL, "/") + path
}

// EncryptionKey decodes TokenKey. It returns nil when no key is set.
func (c Config) EncryptionKey() ([]byte, error) {
	if c.TokenKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
