package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionAttemptsRead allows viewing attempts, results and the live monitor.
	PermissionAttemptsRead Permission = "attempts:read"

	// PermissionAttemptsWrite allows finalizing overdue attempts.
	PermissionAttemptsWrite Permission = "attempts:write"

	PermissionSettingsRead  Permission = "settings:read"
	PermissionSettingsWrite Permission = "settings:write"
)

// AllPermissions is a slice of all available permissions.
var AllPermissions = []Permission{
	PermissionAttemptsRead,
	PermissionAttemptsWrite,
	PermissionSettingsRead,
	PermissionSettingsWrite,
}
