package model

import "strings"

// Platform capabilities checked at the API boundary. Step-level authority
// comes from the authorization snapshot, not from these.
const (
	CapTemplateRead     = "workflow:template:read"
	CapTemplateWrite    = "workflow:template:write"
	CapInstanceCreate   = "workflow:instance:create"
	CapInstanceRead     = "workflow:instance:read"
	CapInstanceManage   = "workflow:instance:manage"
	CapStepAct          = "workflow:step:act"
	CapNotificationRead = "workflow:notification:read"
)

// CapabilitySet is a set of capabilities granted to a caller. Each key is a
// capability string (e.g. "workflow:instance:read") and may include wildcards
// (e.g. "workflow:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	// "workflow:*" matches "workflow:step:act", "*" matches everything.
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities (including
// via wildcards).
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// capabilities (including via wildcards).
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
// Examples:
//
//	"*"                    matches anything
//	"workflow:*"           matches "workflow:step:act"
//	"workflow:instance:*"  matches "workflow:instance:read"
//	"workflow:instance"    does NOT match "workflow:instance:read"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the platform capability set for a caller.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given caller.
	Invalidate(subjectID string)
}

// PolicyEvaluator maps a caller's platform roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}
