package oauth

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const clientSecretLength = 48

// Registry validates and persists dynamically registered OAuth clients.
type Registry struct {
	store  Store
	logger *zap.Logger
}

// NewRegistry creates a client registry over the given store.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// RegistrationRequest is the RFC 7591 client metadata the broker accepts.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// RegistrationResponse echoes the registered metadata. ClientSecret is
// the only place the plaintext secret ever appears.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// Register validates client metadata, persists the client with a hashed
// secret, and returns the plaintext secret exactly once.
func (r *Registry) Register(ctx context.Context, req *RegistrationRequest) (*RegistrationResponse, error) {
	if strings.TrimSpace(req.ClientName) == "" {
		return nil, NewError(ErrorInvalidClientMetadata, "client_name is required")
	}
	if len(req.RedirectURIs) == 0 {
		return nil, NewError(ErrorInvalidClientMetadata, "redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, gt := range grantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, NewError(ErrorInvalidClientMetadata, "unsupported grant_type: "+gt)
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, NewError(ErrorInvalidClientMetadata, "unsupported response_type: "+rt)
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_post"
	}
	if authMethod != "client_secret_post" && authMethod != "none" {
		return nil, NewError(ErrorInvalidClientMetadata, "unsupported token_endpoint_auth_method: "+authMethod)
	}

	clientID := uuid.New().String()

	// Public clients (auth method "none") authenticate with PKCE alone
	// and never receive a secret.
	var secret, secretHashStr string
	if authMethod != "none" {
		var err error
		secret, err = randomClientSecret()
		if err != nil {
			return nil, NewError(ErrorServerError, "failed to generate client_secret")
		}
		secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, NewError(ErrorServerError, "failed to hash client_secret")
		}
		secretHashStr = string(secretHash)
	}

	now := time.Now()
	client := &Client{
		ClientID:                clientID,
		ClientSecretHash:        secretHashStr,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if err := r.store.SaveClient(ctx, client); err != nil {
		r.logger.Error("failed to persist client registration", zap.Error(err))
		return nil, NewError(ErrorServerError, "failed to store client")
	}

	r.logger.Info("registered oauth client",
		zap.String("client_id", clientID),
		zap.String("client_name", req.ClientName),
		zap.Int("redirect_uris", len(req.RedirectURIs)))

	return &RegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: authMethod,
	}, nil
}

// Validate looks up a client and optionally checks its secret and a
// redirect URI. The secret comparison goes through bcrypt, never a
// plaintext equality check.
func (r *Registry) Validate(ctx context.Context, clientID, clientSecret, redirectURI string) (*Client, error) {
	if clientID == "" {
		return nil, NewError(ErrorInvalidClient, "client_id is required")
	}

	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		if err == ErrNotFound {
			return nil, NewError(ErrorInvalidClient, "unknown client")
		}
		r.logger.Error("client lookup failed", zap.Error(err), zap.String("client_id", clientID))
		return nil, NewError(ErrorServerError, "client lookup failed")
	}

	if clientSecret != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
			return nil, NewError(ErrorInvalidClient, "invalid client credentials")
		}
	}

	if redirectURI != "" && !redirectRegistered(redirectURI, client.RedirectURIs) {
		return nil, NewError(ErrorInvalidRedirectURI, "redirect_uri is not registered for this client")
	}

	return client, nil
}

func redirectRegistered(redirectURI string, registered []string) bool {
	for _, uri := range registered {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// validateRedirectURI enforces https, or http limited to loopback hosts.
func validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return NewError(ErrorInvalidRedirectURI, "redirect_uri is not a valid URL: "+raw)
	}
	if parsed.Scheme == "https" {
		return nil
	}
	host := parsed.Hostname()
	if parsed.Scheme == "http" && (host == "localhost" || host == "127.0.0.1") {
		return nil
	}
	return NewError(ErrorInvalidRedirectURI, "redirect_uri must use https or localhost http: "+raw)
}

func randomClientSecret() (string, error) {
	return randomToken(clientSecretLength)
}
