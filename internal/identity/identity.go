// Package identity models the authenticated profile attached to a live chat
// connection and the signed session tokens that carry it.
package identity

import "strings"

// Provider names the identity provider that vouched for an Identity.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
	// ProviderLocal marks identities built from the legacy username cookie.
	ProviderLocal Provider = "local"
)

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderGitHub, ProviderLocal:
		return true
	default:
		return false
	}
}

// IsFederated reports whether p is an external OAuth provider.
func (p Provider) IsFederated() bool {
	return p == ProviderGoogle || p == ProviderGitHub
}

// Identity is the canonical profile of an authenticated user. It is treated as
// an immutable value: functions return modified copies.
type Identity struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName" validate:"max=64"`
	Email       string   `json:"email,omitempty" validate:"omitempty,email"`
	AvatarURL   string   `json:"avatarURL,omitempty" validate:"omitempty,url"`
	Provider    Provider `json:"provider,omitempty" validate:"omitempty,oneof=google github local"`
	Username    string   `json:"username,omitempty"`
}

// Local builds the identity of a user authenticated only by the legacy
// plain-username cookie.
func Local(displayName string) Identity {
	name := strings.TrimSpace(displayName)
	return Identity{
		ID:          "local:" + name,
		DisplayName: name,
		Provider:    ProviderLocal,
	}
}

// IsFederated reports whether the identity came from an external provider.
func (i Identity) IsFederated() bool {
	return i.Provider.IsFederated()
}

// Merge returns i with every empty field filled from other. Fields already set
// on i always win.
func (i Identity) Merge(other Identity) Identity {
	if i.ID == "" {
		i.ID = other.ID
	}
	if i.DisplayName == "" {
		i.DisplayName = other.DisplayName
	}
	if i.Email == "" {
		i.Email = other.Email
	}
	if i.AvatarURL == "" {
		i.AvatarURL = other.AvatarURL
	}
	if i.Provider == "" {
		i.Provider = other.Provider
	}
	if i.Username == "" {
		i.Username = other.Username
	}
	return i
}
