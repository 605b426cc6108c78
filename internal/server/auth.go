package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Tyrowin/chatgate/internal/directory"
	"github.com/Tyrowin/chatgate/internal/identity"
)

// ErrUnknownUser is returned for a valid token whose subject is not in the
// directory.
var ErrUnknownUser = errors.New("unknown user")

// TokenVerifier validates a session token. *identity.Verifier implements it.
type TokenVerifier interface {
	Verify(token string) (identity.Identity, error)
}

// Authenticator resolves the identity of an incoming request from its
// session token or, for WebSocket connections, the legacy username cookie.
type Authenticator struct {
	verifier  TokenVerifier
	directory directory.Directory
	log       *slog.Logger
}

// NewAuthenticator creates an Authenticator. dir may be nil, in which case
// token claims are trusted as is.
func NewAuthenticator(verifier TokenVerifier, dir directory.Directory, log *slog.Logger) *Authenticator {
	return &Authenticator{verifier: verifier, directory: dir, log: log}
}

// AuthenticateConnection tries the token query parameter, the bearer header
// and the jwt cookie in order, then the legacy username cookie. When a token
// was offered and none verified, the last token error is returned; with no
// credential at all the error is ErrAuthenticationRequired.
func (a *Authenticator) AuthenticateConnection(r *http.Request) (identity.Identity, error) {
	tokens := []string{
		r.URL.Query().Get("token"),
		bearerToken(r),
		cookieValue(r, tokenCookieName),
	}

	var lastErr error
	for _, token := range tokens {
		if token == "" {
			continue
		}
		id, err := a.verify(r.Context(), token)
		if err == nil {
			return id, nil
		}
		a.log.Debug("Session token rejected", "error", err)
		lastErr = err
	}

	if id, ok := legacyIdentity(r); ok {
		return id, nil
	}

	if lastErr != nil {
		return identity.Identity{}, lastErr
	}
	return identity.Identity{}, ErrAuthenticationRequired
}

// AuthenticateToken resolves the identity from the bearer header or the jwt
// cookie only.
func (a *Authenticator) AuthenticateToken(r *http.Request) (identity.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		token = cookieValue(r, tokenCookieName)
	}
	if token == "" {
		return identity.Identity{}, ErrAuthenticationRequired
	}
	return a.verify(r.Context(), token)
}

func (a *Authenticator) verify(ctx context.Context, token string) (identity.Identity, error) {
	id, err := a.verifier.Verify(token)
	if err != nil {
		return identity.Identity{}, err
	}
	if a.directory == nil {
		return id, nil
	}

	user, err := a.directory.FindByID(ctx, id.ID)
	if errors.Is(err, directory.ErrUserNotFound) {
		return identity.Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, id.ID)
	}
	if err != nil {
		return identity.Identity{}, fmt.Errorf("directory lookup: %w", err)
	}
	return user.Identity(), nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// legacyIdentity reads the URL-encoded username cookie set by the plain
// login form.
func legacyIdentity(r *http.Request) (identity.Identity, bool) {
	raw := cookieValue(r, usernameCookieName)
	if raw == "" {
		return identity.Identity{}, false
	}
	name, err := url.QueryUnescape(raw)
	if err != nil {
		name = raw
	}
	id := identity.Local(name)
	if id.DisplayName == "" {
		return identity.Identity{}, false
	}
	return id, true
}

// rejectionReason labels an authentication error for metrics and responses.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, identity.ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, identity.ErrExpiredOrInvalidSignature):
		return "invalid_token"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, ErrAuthenticationRequired):
		return "authentication_required"
	default:
		return "error"
	}
}
