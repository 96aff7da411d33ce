package domain

// GuestUserID is the owner id used whenever no session exists, so every
// record always has some owner.
const GuestUserID = "guest"

// User identifies the owner of records.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
	LastLogin string `json:"last_login,omitempty"`
}

// Guest returns the placeholder identity for unauthenticated use.
func Guest() User {
	return User{ID: GuestUserID, Email: "guest@local"}
}

// IsGuest reports whether u is the unauthenticated placeholder.
func (u User) IsGuest() bool { return u.ID == "" || u.ID == GuestUserID }
