package middleware

import (
	"strings"
	"sync"

	"github.com/audittrail/audittrail/internal/audit"
)

// RouteAudit overrides what the capture interceptor derives for one route.
// Zero fields fall back to the derived value.
type RouteAudit struct {
	// Skip disables capture for the route entirely.
	Skip       bool
	Action     string
	ActionType audit.ActionType
	Severity   audit.Severity
	Resource   string
	Compliance []string
}

// AuditRoutes is the per-route capture registry. Entries are keyed by the HTTP
// method and the gin route template, e.g. "PATCH /api/v1/users/:id".
//
// The router populates it while registering handlers; the interceptor only
// reads it.
type AuditRoutes struct {
	mu     sync.RWMutex
	routes map[string]RouteAudit
}

// NewAuditRoutes creates an empty registry.
func NewAuditRoutes() *AuditRoutes {
	return &AuditRoutes{routes: make(map[string]RouteAudit)}
}

func routeKey(method, fullPath string) string {
	return strings.ToUpper(method) + " " + fullPath
}

// Register sets the override for method and route template, replacing any
// earlier entry.
func (r *AuditRoutes) Register(method, fullPath string, ra RouteAudit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey(method, fullPath)] = ra
}

// Skip marks a route as never audited.
func (r *AuditRoutes) Skip(method, fullPath string) {
	r.Register(method, fullPath, RouteAudit{Skip: true})
}

// Lookup returns the override for a route and whether one was registered.
// A nil registry has no entries.
func (r *AuditRoutes) Lookup(method, fullPath string) (RouteAudit, bool) {
	if r == nil || fullPath == "" {
		return RouteAudit{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ra, ok := r.routes[routeKey(method, fullPath)]
	return ra, ok
}

// Len returns the number of registered routes.
func (r *AuditRoutes) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
