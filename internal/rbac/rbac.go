package rbac

import "strings"

type Role string

const (
	RoleAnalyst   Role = "analyst"
	RoleVerifier  Role = "verifier"
	RoleAdmin     Role = "admin"
	RoleArchitect Role = "architect"
)

var levels = map[Role]int{
	RoleAnalyst:   1,
	RoleVerifier:  2,
	RoleAdmin:     3,
	RoleArchitect: 4,
}

// Principal is an acting user: identity plus role.
type Principal struct {
	ID   string
	Name string
	Role Role
}

// Level returns the rank of a role in the hierarchy, 0 for unknown roles.
func Level(role Role) int {
	return levels[role]
}

// AtLeast reports whether a role meets a minimum. A higher role may perform
// anything its minimum allows; the self-approval gate is checked separately
// because it compares principals, not roles.
func AtLeast(role, min Role) bool {
	return Level(role) >= Level(min) && Level(role) > 0
}

// Normalize maps arbitrary input to a known role, defaulting to analyst.
func Normalize(role string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleAnalyst, RoleVerifier, RoleAdmin, RoleArchitect:
		return Role(strings.ToLower(strings.TrimSpace(role)))
	default:
		return RoleAnalyst
	}
}
