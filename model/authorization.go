package model

import "context"

// RoleScope is the capability tier authorized to act on a step.
type RoleScope string

// Role scopes.
const (
	RoleAdmin     RoleScope = "ADMIN"
	RoleLawyer    RoleScope = "LAWYER"
	RoleParalegal RoleScope = "PARALEGAL"
	RoleClient    RoleScope = "CLIENT"
)

// AllRoleScopes lists every role scope.
var AllRoleScopes = []RoleScope{RoleAdmin, RoleLawyer, RoleParalegal, RoleClient}

// IsValid returns true if r is a known role scope.
func (r RoleScope) IsValid() bool {
	for _, s := range AllRoleScopes {
		if s == r {
			return true
		}
	}
	return false
}

// AuthorizationSnapshot is the resolved set of actors eligible for each role
// scope on one subject entity, plus basic attributes of that entity for
// condition evaluation.
type AuthorizationSnapshot struct {
	Subject    Subject                `json:"subject"`
	Roles      map[RoleScope][]string `json:"roles"`
	Attributes map[string]any         `json:"attributes,omitempty"`
}

// Has reports whether actorID is listed under role.
func (s AuthorizationSnapshot) Has(role RoleScope, actorID string) bool {
	if actorID == "" {
		return false
	}
	for _, id := range s.Roles[role] {
		if id == actorID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether actorID holds the ADMIN scope on the subject.
func (s AuthorizationSnapshot) IsAdmin(actorID string) bool {
	return s.Has(RoleAdmin, actorID)
}

// Members returns the actor ids listed under role.
func (s AuthorizationSnapshot) Members(role RoleScope) []string {
	return s.Roles[role]
}

// SnapshotProvider resolves authorization snapshots. The engine never reads
// identity or role storage directly.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, subject Subject) (AuthorizationSnapshot, error)
}
