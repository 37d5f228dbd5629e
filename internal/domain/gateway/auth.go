package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/pingline/pingline-gateway/internal/pkg/token"
)

const accessTokenCookie = "access_token"

// Authenticator resolves a connection attempt's credential to a user identity.
// It performs no I/O beyond signature verification and never enforces the
// connection quota; that check belongs to the presence registry so that
// check-and-register stays a single atomic step.
type Authenticator struct {
	tokens *token.Service
}

// NewAuthenticator creates a connection authenticator
func NewAuthenticator(tokens *token.Service) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// Authenticate extracts a credential from the handshake request and verifies
// it. Lookup order: Authorization header, token query parameter, access_token
// cookie. Browser WebSocket clients cannot set headers, hence the fallbacks.
func (a *Authenticator) Authenticate(r *http.Request) (uuid.UUID, *AuthError) {
	credential, authErr := extractCredential(r)
	if authErr != nil {
		return uuid.Nil, authErr
	}

	claims, err := a.tokens.ValidateAccessToken(credential)
	if err != nil {
		if errors.Is(err, token.ErrExpiredToken) {
			return uuid.Nil, &AuthError{Reason: AuthExpired, Message: "token expired"}
		}
		return uuid.Nil, &AuthError{Reason: AuthInvalidSignature, Message: "token signature invalid"}
	}

	if claims.UserID == uuid.Nil {
		return uuid.Nil, &AuthError{Reason: AuthMalformedClaims, Message: "token claims missing user id"}
	}

	return claims.UserID, nil
}

func extractCredential(r *http.Request) (string, *AuthError) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", &AuthError{Reason: AuthMissingToken, Message: "authorization header carries no token"}
		}
		return parts[1], nil
	}

	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}

	if cookie, err := r.Cookie(accessTokenCookie); err == nil {
		if cookie.Value == "" {
			return "", &AuthError{Reason: AuthMissingToken, Message: "access_token cookie carries no token"}
		}
		return cookie.Value, nil
	}

	return "", &AuthError{Reason: AuthMissingCredential, Message: "no credential in header, query or cookie"}
}
