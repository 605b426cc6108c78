package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of a freshly issued session token.
const DefaultTTL = 24 * time.Hour

const tokenIssuer = "chatgate"

var (
	// ErrMalformedToken is returned when a token cannot be parsed at all.
	ErrMalformedToken = errors.New("malformed token")
	// ErrExpiredOrInvalidSignature is returned when a well-formed token fails
	// signature or time-based validation.
	ErrExpiredOrInvalidSignature = errors.New("expired or invalid token signature")
)

// Claims is the JWT payload of a session token.
type Claims struct {
	UserID   string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Email    string   `json:"email,omitempty"`
	Avatar   string   `json:"avatar,omitempty"`
	Provider Provider `json:"provider,omitempty"`
	Username string   `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Identity projects the claims onto an Identity. Tokens without a name fall
// back to the email as display name.
func (c *Claims) Identity() Identity {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	name := c.Name
	if name == "" {
		name = c.Email
	}
	return Identity{
		ID:          id,
		DisplayName: name,
		Email:       c.Email,
		AvatarURL:   c.Avatar,
		Provider:    c.Provider,
		Username:    c.Username,
	}
}

// Issuer signs session tokens with an HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer. A non-positive ttl selects DefaultTTL.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: secret, ttl: ttl}
}

// Issue signs a token for id valid from now for the issuer's ttl.
func (i *Issuer) Issue(id Identity) (string, error) {
	return i.IssueAt(id, time.Now())
}

// IssueAt signs a token for id as if issued at the given instant.
func (i *Issuer) IssueAt(id Identity, at time.Time) (string, error) {
	claims := &Claims{
		UserID:   id.ID,
		Name:     id.DisplayName,
		Email:    id.Email,
		Avatar:   id.AvatarURL,
		Provider: id.Provider,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(at),
			ExpiresAt: jwt.NewNumericDate(at.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier validates session tokens. It holds no mutable state and is safe for
// concurrent use.
type Verifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewVerifier creates a Verifier for tokens signed with secret. Extra parser
// options (for example jwt.WithTimeFunc) are appended to the defaults.
func NewVerifier(secret []byte, opts ...jwt.ParserOption) *Verifier {
	base := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
	}
	return &Verifier{secret: secret, opts: append(base, opts...)}
}

// Verify parses and validates token and returns the embedded identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) && !v.signatureOnlyDefect(token) {
			return Identity{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrExpiredOrInvalidSignature, err)
	}

	id := claims.Identity()
	if id.ID == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrMalformedToken)
	}
	return id, nil
}

// signatureOnlyDefect reports whether header and claims decode cleanly, which
// leaves the signature segment as the part that failed.
func (v *Verifier) signatureOnlyDefect(token string) bool {
	_, _, err := jwt.NewParser(v.opts...).ParseUnverified(token, &Claims{})
	return err == nil
}
