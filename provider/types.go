package provider

// TokenTypeHint tells a revocation endpoint (RFC 7009) which kind of token
// is being revoked.
type TokenTypeHint string

const (
	AccessTokenHint  TokenTypeHint = "access_token"
	RefreshTokenHint TokenTypeHint = "refresh_token"
)
