package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes per RFC 6749/7591 plus the bearer-token vocabulary.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidToken            = "invalid_token"
	ErrorInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorInvalidClientMetadata   = "invalid_client_metadata"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorAccessDenied            = "access_denied"
	ErrorServerError             = "server_error"
)

// Error is the typed OAuth error returned across component boundaries.
// Validation failures become one of these immediately; nothing panics
// its way through a handler.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// HTTPStatus maps the error code to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrorInvalidClient, ErrorInvalidToken:
		return http.StatusUnauthorized
	case ErrorServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// NewError creates a typed OAuth error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// AsError converts any error into a typed OAuth error, hiding internals
// behind server_error when the cause is not already typed.
func AsError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return NewError(ErrorServerError, "internal server error")
}
