package model

import (
	"slices"
	"time"
)

// Admin is a proctor or operator with access to the admin API.
type Admin struct {
	ID           int       `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	RoleID       int       `json:"role_id"`
	RoleName     string    `json:"role_name,omitempty"`
	Permissions  []string  `json:"permissions,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Can reports whether the admin's role grants p.
func (a *Admin) Can(p Permission) bool {
	return slices.Contains(a.Permissions, string(p))
}

// Capabilities lists every known permission with whether the admin holds it,
// so the dashboard can hide what the proctor may not use.
func (a *Admin) Capabilities() map[Permission]bool {
	caps := make(map[Permission]bool, len(AllPermissions))
	for _, p := range AllPermissions {
		caps[p] = a.Can(p)
	}
	return caps
}

// AdminLoginRequest is the payload for admin authentication.
type AdminLoginRequest struct {
	Email    string `json:"email" binding:"required,email,max=255"`
	Password string `json:"password" binding:"required,min=6,max=128"`
}

// AdminLoginResponse is returned after successful admin login.
type AdminLoginResponse struct {
	Token        string              `json:"token"`
	Admin        Admin               `json:"admin"`
	Capabilities map[Permission]bool `json:"capabilities"`
}

// AdminProfile is returned by the admin "me" endpoint.
type AdminProfile struct {
	Admin        Admin               `json:"admin"`
	Capabilities map[Permission]bool `json:"capabilities"`
}
