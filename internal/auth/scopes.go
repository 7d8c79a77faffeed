// Package auth - scopes.go defines the audit API permission scopes and the
// HasScope helpers used by the RBAC middleware.
package auth

import (
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	ScopeAuditRead  Scope = "audit:read"  // query, statistics, export
	ScopeAuditWrite Scope = "audit:write" // ingest records
	ScopeAuditAdmin Scope = "audit:admin" // review, delete, archive, retention, queue

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// implied lists scopes granted by holding another scope.
var implied = map[Scope][]Scope{
	ScopeAuditAdmin: {ScopeAuditRead, ScopeAuditWrite},
}

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{ScopeAuditRead, ScopeAuditWrite, ScopeAuditAdmin, ScopeAdmin}
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()
	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// HasScope checks if a caller has a required scope, directly, through the
// admin wildcard or through an implying scope.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		if Scope(scope) == required || Scope(scope) == ScopeAdmin {
			return true
		}
		for _, s := range implied[Scope(scope)] {
			if s == required {
				return true
			}
		}
	}
	return false
}

// HasAnyScope checks if a caller has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}

