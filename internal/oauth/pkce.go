package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// MethodS256 is the only PKCE challenge method the broker accepts.
// "plain" and anything else fail closed.
const MethodS256 = "S256"

const (
	pkceMinLength = 43
	pkceMaxLength = 128
)

// VerifyPKCE checks that SHA-256(verifier), base64url-encoded without
// padding, matches the stored challenge.
func VerifyPKCE(verifier, challenge, method string) error {
	if method != MethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}
	if !ValidVerifier(verifier) {
		return fmt.Errorf("malformed code_verifier")
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match challenge")
	}
	return nil
}

// ValidChallenge reports whether a code_challenge is well formed per
// RFC 7636: 43-128 characters from the unreserved set.
func ValidChallenge(challenge string) bool {
	return validPKCEString(challenge)
}

// ValidVerifier reports whether a code_verifier is well formed.
func ValidVerifier(verifier string) bool {
	return validPKCEString(verifier)
}

func validPKCEString(value string) bool {
	if len(value) < pkceMinLength || len(value) > pkceMaxLength {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '.' || r == '_' || r == '~':
		default:
			return false
		}
	}
	return true
}
