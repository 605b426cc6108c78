// Package directory stores the users that have completed an identity-provider
// login, keyed by provider account and by internal id.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/chatgate/internal/identity"
)

//go:generate mockgen -destination=mocks/mock_directory.go -package=mocks github.com/Tyrowin/chatgate/internal/directory Directory

// ErrUserNotFound indicates no user exists for the requested id.
var ErrUserNotFound = errors.New("user not found")

// User is a directory entry.
type User struct {
	ID         string
	Provider   identity.Provider
	ProviderID string
	Name       string
	Email      string
	Avatar     string
	Username   string
	CreatedAt  time.Time
	LastLogin  time.Time
}

// Profile holds the provider-supplied fields used when creating a user.
type Profile struct {
	Name     string
	Email    string
	Avatar   string
	Username string
}

// Directory is the user lookup consumed by the session layer and the token
// tooling.
type Directory interface {
	// FindOrCreate returns the user matching the provider account or the
	// profile email, creating it when neither matches. LastLogin is refreshed.
	FindOrCreate(ctx context.Context, provider identity.Provider, providerID string, profile Profile) (*User, error)
	// FindByID returns ErrUserNotFound when id is unknown.
	FindByID(ctx context.Context, id string) (*User, error)
}

// Identity projects the user onto the identity carried by session tokens.
func (u *User) Identity() identity.Identity {
	name := u.Name
	if name == "" {
		name = u.Email
	}
	return identity.Identity{
		ID:          u.ID,
		DisplayName: name,
		Email:       u.Email,
		AvatarURL:   u.Avatar,
		Provider:    u.Provider,
		Username:    u.Username,
	}
}
