// Package models defines the shared data entities used across the engine:
// identities, sessions, messages, memories, skills, tools, modules, and
// sub-agents. These are plain structs with no persistence logic attached;
// storage packages translate to/from their own row representations.
package models

import "time"

// Identity is a stable bot-local handle unifying one real person across
// platforms.
type Identity struct {
	IdentityID string    `json:"identity_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// LinkedAccount binds a platform-specific user to an Identity. Uniqueness is
// enforced on (ChannelType, PlatformUserID) by the store.
type LinkedAccount struct {
	IdentityID       string `json:"identity_id"`
	ChannelType      string `json:"channel_type"`
	PlatformUserID   string `json:"platform_user_id"`
	PlatformUserName string `json:"platform_user_name,omitempty"`
}
