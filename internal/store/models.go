package store

import "time"

// Space is a shared room users join by invite code or password.
// PasswordHash is a bcrypt hash; the plaintext secret is never stored.
type Space struct {
	ID           string
	Name         string
	Content      string
	PasswordHash string
	ImageURL     string
	OwnerID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SpaceSummary is a Space projection for listings.
type SpaceSummary struct {
	ID          string
	Name        string
	Content     string
	ImageURL    string
	OwnerID     string
	MemberCount int
}

// Membership grants a user standing in a space. At most one row may exist
// per (user_id, space_id); the database enforces this with a unique
// constraint and EnsureMembership upserts against it.
type Membership struct {
	ID        string
	UserID    string
	SpaceID   string
	CreatedAt time.Time
}
