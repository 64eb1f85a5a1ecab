package oauth

import "time"

// Client represents a dynamically registered OAuth client.
type Client struct {
	ClientID                string
	ClientSecretHash        string
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// PKCEState is the transient record tying an /authorize request to the
// upstream provider's redirect back. It lives only between the two.
type PKCEState struct {
	State               string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthCode is a single-use authorization code record. The upstream token
// fields hold ciphertext produced by the token cipher, never plaintext.
type AuthCode struct {
	CodeHash             string
	ClientID             string
	RedirectURI          string
	Scope                string
	CodeChallenge        string
	CodeChallengeMethod  string
	UpstreamAccessToken  string
	UpstreamRefreshToken string
	UpstreamExpiresAt    time.Time
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// Session binds a broker access/refresh token pair to the upstream
// tokens it fronts. Broker tokens are stored only as keyed hashes;
// upstream tokens are stored encrypted.
type Session struct {
	ID                    string
	ClientID              string
	AccessTokenHash       string
	RefreshTokenHash      string
	Scope                 string
	UpstreamAccessToken   string
	UpstreamRefreshToken  string
	UpstreamExpiresAt     time.Time
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
