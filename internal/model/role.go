package model

// Role groups permission codes under a name.
type Role struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// DefaultRoleName is the role seeded for the first proctor account.
const DefaultRoleName = "proctor"
