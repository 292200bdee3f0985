package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-oauth-dance/authsession"
	"github.com/jrsteele09/go-oauth-dance/flow"
	"github.com/jrsteele09/go-oauth-dance/flowstate"
	"github.com/jrsteele09/go-oauth-dance/internal/config"
	"github.com/jrsteele09/go-oauth-dance/provider"
	"github.com/jrsteele09/go-oauth-dance/token"
	"github.com/jrsteele09/go-oauth-dance/web"
)

// Deps are the collaborators the demo server is built from.
type Deps struct {
	Provider provider.Config
	// UserInfoURL is the provider API called by the profile page.
	UserInfoURL string
	Tokens      token.Store
	States      flowstate.Repo
	// HTTPClient is used for all calls to the provider. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

type Server struct {
	env         string
	router      chi.Router
	config      config.Config
	blueprint   *web.Blueprint
	manager     *authsession.Manager
	providerID  string
	userInfoURL string
	tokens      token.Store
	states      flowstate.Repo
	logger      zerolog.Logger
}

func New(c config.Config, deps Deps) (*Server, error) {
	if deps.Tokens == nil || deps.States == nil {
		return nil, fmt.Errorf("[Server New] token store and state repo are required")
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}

	s := &Server{
		env:         c.Env,
		config:      c,
		providerID:  deps.Provider.Name(),
		userInfoURL: deps.UserInfoURL,
		tokens:      deps.Tokens,
		states:      deps.States,
		logger:      log.Logger,
	}

	fl, err := flow.New(deps.Provider, deps.Tokens, deps.States,
		flow.WithHTTPClient(deps.HTTPClient),
		flow.WithStateTTL(c.StateTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("[Server New] failed to create login flow: %w", err)
	}
	s.manager = authsession.NewManager(deps.Provider, deps.Tokens,
		authsession.WithHTTPClient(deps.HTTPClient),
		authsession.WithExpiryMargin(c.ExpiryMargin),
	)
	s.blueprint = web.NewBlueprint(fl, s.manager,
		web.WithLogoutPath(RouteLogout),
		web.WithRouteResolver(resolveRoute),
		web.OnAuthorized(s.onAuthorized),
	)

	if err := s.initRoutes(); err != nil {
		return nil, fmt.Errorf("[Server New] failed to set up routes: %w", err)
	}
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// onAuthorized logs who signed in. The default redirect still runs.
func (s *Server) onAuthorized(w http.ResponseWriter, r *http.Request, tok token.Token) bool {
	claims, err := tok.IDTokenClaims()
	if err != nil {
		s.logger.Debug().Err(err).Msg("login without readable id token")
		return false
	}
	sub, _ := claims.GetSubject()
	s.logger.Info().Str("sub", sub).Str("provider", s.providerID).Msg("user logged in")
	return false
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	_ = chi.Walk(s.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		logRoute(method, route)
		return nil
	})
}

func logRoute(method, path string) {
	var displayMethod string
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	} else {
		displayMethod = Gray + paddedMethod + ResetColor
	}
	log.Info().Msgf("[%-19s] %s", displayMethod, path)
}
