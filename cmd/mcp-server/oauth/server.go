// Package oauth exposes the broker's OAuth 2.1 HTTP surface: discovery
// metadata, dynamic client registration, the two-legged authorization
// flow, and the token endpoint.
package oauth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/openfit/fitbridge-mcp/internal/events"
	"github.com/openfit/fitbridge-mcp/internal/oauth"
)

// Server provides OAuth 2.1 endpoints backed by the token broker.
type Server struct {
	broker  *oauth.Broker
	baseURL string
	logger  *zap.Logger
}

// NewServer creates the OAuth HTTP surface. baseURL is the externally
// visible issuer origin with no trailing slash.
func NewServer(broker *oauth.Broker, baseURL string, logger *zap.Logger) *Server {
	return &Server{broker: broker, baseURL: baseURL, logger: logger}
}

// stateBlob travels through the upstream provider's state parameter so
// the callback can correlate both OAuth legs without server-side lookup
// of the client's own state.
type stateBlob struct {
	BrokerState string `json:"mcp_state"`
	ClientState string `json:"client_state,omitempty"`
}

func encodeStateBlob(blob stateBlob) (string, error) {
	raw, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeStateBlob(encoded string) (stateBlob, error) {
	var blob stateBlob
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return blob, err
	}
	err = json.Unmarshal(raw, &blob)
	return blob, err
}

// HandleWellKnown serves RFC 8414 authorization server metadata.
func (s *Server) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                s.baseURL,
		"authorization_endpoint":                s.baseURL + "/authorize",
		"token_endpoint":                        s.baseURL + "/token",
		"registration_endpoint":                 s.baseURL + "/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
	})
}

// HandleRegister implements RFC 7591 dynamic client registration.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req oauth.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, oauth.NewError(oauth.ErrorInvalidClientMetadata, "request body is not valid JSON"))
		return
	}

	resp, err := s.broker.Registry().Register(r.Context(), &req)
	if err != nil {
		writeOAuthError(w, oauth.AsError(err))
		return
	}

	s.broker.Events().Publish(r.Context(), events.ClientCreated, map[string]string{
		"client_id":   resp.ClientID,
		"client_name": resp.ClientName,
	})

	writeJSON(w, http.StatusCreated, resp)
}

// HandleAuthorize starts the authorization flow: it validates the
// client's request, stashes the PKCE challenge, and redirects the user
// agent to the upstream identity provider.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	clientState := q.Get("state")

	// Until the client and redirect URI are proven registered, errors go
	// back as a response, never as a redirect to an unverified URI.
	client, err := s.broker.Registry().Validate(r.Context(), clientID, "", redirectURI)
	if err != nil {
		writeOAuthError(w, oauth.AsError(err))
		return
	}

	if rt := q.Get("response_type"); rt != "code" {
		s.redirectError(w, r, redirectURI, clientState, oauth.NewError(oauth.ErrorUnsupportedResponseType, "only response_type=code is supported"))
		return
	}
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if method != oauth.MethodS256 {
		s.redirectError(w, r, redirectURI, clientState, oauth.NewError(oauth.ErrorInvalidRequest, "code_challenge_method must be S256"))
		return
	}
	if !oauth.ValidChallenge(challenge) {
		s.redirectError(w, r, redirectURI, clientState, oauth.NewError(oauth.ErrorInvalidRequest, "code_challenge is missing or malformed"))
		return
	}

	brokerState, err := s.broker.StartAuthorization(r.Context(), client, redirectURI, challenge, method, q.Get("scope"))
	if err != nil {
		s.redirectError(w, r, redirectURI, clientState, oauth.AsError(err))
		return
	}

	blob, err := encodeStateBlob(stateBlob{BrokerState: brokerState, ClientState: clientState})
	if err != nil {
		s.redirectError(w, r, redirectURI, clientState, oauth.NewError(oauth.ErrorServerError, "failed to encode state"))
		return
	}

	http.Redirect(w, r, s.broker.Upstream().AuthCodeURL(blob), http.StatusFound)
}

// HandleCallback receives the upstream provider's redirect, finishes
// the upstream exchange, and sends the user agent back to the client
// with a broker authorization code.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	blob, blobErr := decodeStateBlob(q.Get("state"))

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		s.logger.Warn("upstream authorization denied",
			zap.String("error", upstreamErr),
			zap.String("description", q.Get("error_description")))
		s.failCallback(w, r, blob, blobErr,
			oauth.NewError(oauth.ErrorAccessDenied, "upstream authorization was denied"))
		return
	}

	if blobErr != nil || blob.BrokerState == "" {
		writeOAuthError(w, oauth.NewError(oauth.ErrorInvalidRequest, "state parameter is missing or malformed"))
		return
	}
	code := q.Get("code")
	if code == "" {
		writeOAuthError(w, oauth.NewError(oauth.ErrorInvalidRequest, "code parameter is missing"))
		return
	}

	record, brokerCode, err := s.broker.CompleteAuthorization(r.Context(), blob.BrokerState, code)
	if err != nil {
		writeOAuthError(w, oauth.AsError(err))
		return
	}

	target, err := url.Parse(record.RedirectURI)
	if err != nil {
		writeOAuthError(w, oauth.NewError(oauth.ErrorServerError, "stored redirect_uri is invalid"))
		return
	}
	params := target.Query()
	params.Set("code", brokerCode)
	if blob.ClientState != "" {
		params.Set("state", blob.ClientState)
	}
	target.RawQuery = params.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// failCallback reports an upstream failure to the client when the state
// blob still resolves to a registered redirect URI; otherwise it falls
// back to a direct error response.
func (s *Server) failCallback(w http.ResponseWriter, r *http.Request, blob stateBlob, blobErr error, oerr *oauth.Error) {
	if blobErr != nil || blob.BrokerState == "" {
		writeOAuthError(w, oerr)
		return
	}
	record, err := s.broker.AbortAuthorization(r.Context(), blob.BrokerState)
	if err != nil || record.RedirectURI == "" {
		writeOAuthError(w, oerr)
		return
	}
	s.redirectError(w, r, record.RedirectURI, blob.ClientState, oerr)
}

// HandleToken implements the token endpoint for both supported grants.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.NewError(oauth.ErrorInvalidRequest, "request body is not a valid form"))
		return
	}

	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")

	var (
		resp *oauth.TokenResponse
		err  error
	)
	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		resp, err = s.broker.ExchangeCode(r.Context(),
			r.FormValue("code"), r.FormValue("code_verifier"),
			clientID, clientSecret, r.FormValue("redirect_uri"))
	case "refresh_token":
		resp, err = s.broker.RefreshTokens(r.Context(),
			r.FormValue("refresh_token"), clientID, clientSecret)
	default:
		err = oauth.NewError(oauth.ErrorUnsupportedGrantType, "grant_type must be authorization_code or refresh_token")
	}
	if err != nil {
		writeOAuthError(w, oauth.AsError(err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, clientState string, oerr *oauth.Error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, oerr)
		return
	}
	params := target.Query()
	params.Set("error", oerr.Code)
	if oerr.Description != "" {
		params.Set("error_description", oerr.Description)
	}
	if clientState != "" {
		params.Set("state", clientState)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func writeOAuthError(w http.ResponseWriter, oerr *oauth.Error) {
	writeJSON(w, oerr.HTTPStatus(), oerr)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
