// audit.go captures one audit record per included API request and hands it to
// the dispatcher without holding up the response.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/audittrail/audittrail/internal/audit"
	"github.com/audittrail/audittrail/internal/audit/queue"
	"github.com/audittrail/audittrail/internal/config"
	"github.com/audittrail/audittrail/internal/safego"
	"github.com/audittrail/audittrail/internal/telemetry"
)

const (
	maxActionLength       = 100
	maxResponseCapture    = 1 << 20
	defaultCaptureSlots   = 256
	defaultCaptureBacklog = 4096
	unknownResourceID     = "unknown"
)

// Dispatcher receives captured records. *queue.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, records ...audit.Record) (*queue.Receipt, error)
}

// CaptureConfig is the capture policy. It is copied into an AuditCapture at
// construction and never changed afterwards.
type CaptureConfig struct {
	Enabled         bool
	ReadOperations  bool
	IncludePatterns []string
	ExcludePatterns []string
	SensitiveFields []string
	// MaxBodySize is the encoded size above which a payload is replaced by a
	// truncation stub. Zero disables truncation.
	MaxBodySize     int
	SeverityTable   map[string]string
	DispatchTimeout time.Duration
	// MaxInFlight bounds concurrent dispatches. Records beyond it wait in a
	// backlog of Backlog entries and are dropped only when that is full too.
	MaxInFlight int
	Backlog     int
	// Production suppresses stack traces in failure metadata.
	Production bool
}

// NewCaptureConfig builds the capture policy from the service configuration.
func NewCaptureConfig(cfg *config.Config) CaptureConfig {
	c := cfg.Audit.Capture
	table := make(map[string]string, len(c.SeverityTable))
	for k, v := range c.SeverityTable {
		table[k] = v
	}
	return CaptureConfig{
		Enabled:         c.Enabled,
		ReadOperations:  c.ReadOperations,
		IncludePatterns: append([]string(nil), c.IncludePatterns...),
		ExcludePatterns: append([]string(nil), c.ExcludePatterns...),
		SensitiveFields: append([]string(nil), c.SensitiveFields...),
		MaxBodySize:     c.MaxBodySize,
		SeverityTable:   table,
		DispatchTimeout: c.DispatchTimeout,
		Production:      cfg.IsProduction(),
	}
}

// AuditCapture is the capture interceptor. Use Reconfigure to obtain an
// interceptor with a different policy; the receiver is left untouched.
type AuditCapture struct {
	cfg        CaptureConfig
	include    []glob.Glob
	exclude    []glob.Glob
	severity   map[audit.ActionType]audit.Severity
	sanitizer  *audit.Sanitizer
	routes     *AuditRoutes
	dispatcher Dispatcher
	pool       *safego.Detached
}

// NewAuditCapture compiles cfg and returns an interceptor that dispatches
// through d. routes may be nil.
func NewAuditCapture(cfg CaptureConfig, routes *AuditRoutes, d Dispatcher) (*AuditCapture, error) {
	slots := cfg.MaxInFlight
	if slots <= 0 {
		slots = defaultCaptureSlots
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = defaultCaptureBacklog
	}
	pool := safego.NewDetachedWithBacklog("audit-capture", slots, backlog, 0, func(err error) {
		slog.Error("audit dispatch failed", "error", err)
	})
	a, err := build(cfg, routes, d, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// Reconfigure returns a new interceptor with cfg, sharing the route registry,
// dispatcher and dispatch pool of a.
func (a *AuditCapture) Reconfigure(cfg CaptureConfig) (*AuditCapture, error) {
	return build(cfg, a.routes, a.dispatcher, a.pool)
}

// Close waits for in-flight dispatches. The pool is shared with every
// interceptor derived through Reconfigure.
func (a *AuditCapture) Close() {
	a.pool.Close()
}

// Config returns a copy of the active policy.
func (a *AuditCapture) Config() CaptureConfig {
	return a.cfg
}

func build(cfg CaptureConfig, routes *AuditRoutes, d Dispatcher, pool *safego.Detached) (*AuditCapture, error) {
	include, err := compileGlobs(cfg.IncludePatterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compileGlobs(cfg.ExcludePatterns)
	if err != nil {
		return nil, err
	}
	severity := make(map[audit.ActionType]audit.Severity, len(cfg.SeverityTable))
	for k, v := range cfg.SeverityTable {
		at, ok := audit.ParseActionType(k)
		if !ok {
			return nil, fmt.Errorf("unknown action type %q in severity table", k)
		}
		sev, ok := audit.ParseSeverity(v)
		if !ok {
			return nil, fmt.Errorf("unknown severity %q for %s", v, at)
		}
		severity[at] = sev
	}
	fields := cfg.SensitiveFields
	if len(fields) == 0 {
		fields = audit.DefaultSensitiveFields
	}
	return &AuditCapture{
		cfg:        cfg,
		include:    include,
		exclude:    exclude,
		severity:   severity,
		sanitizer:  audit.NewSanitizer(fields),
		routes:     routes,
		dispatcher: d,
		pool:       pool,
	}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid capture pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Included reports whether path matches an include pattern and no exclude
// pattern.
func (a *AuditCapture) Included(path string) bool {
	for _, g := range a.exclude {
		if g.Match(path) {
			return false
		}
	}
	for _, g := range a.include {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Handler returns the gin middleware. It must run after the auth middleware
// so the caller identity is available once the handler returns.
func (a *AuditCapture) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if !a.cfg.Enabled || method == http.MethodOptions || !a.Included(c.Request.URL.Path) {
			c.Next()
			return
		}
		route, registered := a.routes.Lookup(method, c.FullPath())
		if route.Skip || (isReadMethod(method) && !registered && !a.cfg.ReadOperations) {
			c.Next()
			return
		}

		ex := exchange{start: time.Now(), body: readRequestBody(c)}
		ex.writer = &teeWriter{ResponseWriter: c.Writer, limit: maxResponseCapture}
		c.Writer = ex.writer

		completed := false
		defer func() {
			if completed {
				return
			}
			r := recover()
			if r == nil {
				return
			}
			ex.panicValue = r
			ex.stack = debug.Stack()
			a.capture(c, route, ex)
			panic(r)
		}()

		c.Next()
		completed = true
		a.capture(c, route, ex)
	}
}

// exchange is what the interceptor observed of one request.
type exchange struct {
	start      time.Time
	body       []byte
	writer     *teeWriter
	panicValue any
	stack      []byte
}

// capture builds and dispatches the record. A failure here is logged and
// never reaches the client.
func (a *AuditCapture) capture(c *gin.Context, route RouteAudit, ex exchange) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("audit capture failed", "path", c.Request.URL.Path, "panic", r)
		}
	}()

	rec := a.buildRecord(c, route, ex)
	outcome := "success"
	if !rec.Success {
		outcome = "failure"
	}
	telemetry.AuditRecordsCapturedTotal.WithLabelValues(string(rec.ActionType), outcome).Inc()
	a.dispatch(rec)
}

func (a *AuditCapture) dispatch(rec audit.Record) {
	timeout := a.cfg.DispatchTimeout
	submitted := a.pool.Submit(func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if _, err := a.dispatcher.Dispatch(ctx, rec); err != nil {
			return fmt.Errorf("audit record %s on %s: %w", rec.ActionType, rec.Resource, err)
		}
		return nil
	})
	if !submitted {
		telemetry.AuditDispatchTotal.WithLabelValues("dropped").Inc()
		slog.Warn("audit dispatch pool and backlog full, record dropped",
			"action", rec.Action, "resource", rec.Resource,
			"in_flight", a.pool.InFlight(), "backlog", a.pool.Backlog())
	}
}

func (a *AuditCapture) buildRecord(c *gin.Context, route RouteAudit, ex exchange) audit.Record {
	req := c.Request
	path := req.URL.Path

	actionType := route.ActionType
	if actionType == "" {
		actionType = deriveActionType(req.Method, path)
	}
	resource := route.Resource
	if resource == "" {
		resource = deriveResource(path)
	}
	action := route.Action
	if action == "" {
		action = resource + "." + strings.ToLower(string(actionType))
	}
	if len(action) > maxActionLength {
		action = action[:maxActionLength]
	}

	rec := audit.NewRecord(actionType, action, resource)
	rec.Severity = route.Severity
	if rec.Severity == "" {
		rec.Severity = a.severityFor(actionType)
	}
	rid := resourceID(c)
	rec.ResourceID = &rid
	rec.Compliance = append([]string(nil), route.Compliance...)

	caller := callerFromContext(c)
	rc := audit.ExtractRequestContext(req, caller)
	if id := c.GetString(RequestIDKey); id != "" {
		rc.RequestID = id
	}
	if net.ParseIP(rc.IPAddress) == nil {
		rc.IPAddress = audit.UnknownIP
	}
	rec.RequestID = audit.StringPtr(rc.RequestID)
	rec.SessionID = audit.StringPtr(rc.SessionID)
	rec.IPAddress = audit.StringPtr(rc.IPAddress)
	rec.UserAgent = audit.StringPtr(rc.UserAgent)
	rec.Endpoint = audit.StringPtr(rc.Endpoint)
	rec.HTTPMethod = audit.StringPtr(rc.HTTPMethod)
	if caller != nil {
		rec.UserID = audit.StringPtr(caller.ID)
		rec.UserEmail = audit.StringPtr(caller.Email)
		rec.UserRole = audit.StringPtr(caller.Role)
		rec.ImpersonatedBy = audit.StringPtr(caller.ImpersonatedBy)
	}

	duration := time.Since(ex.start).Milliseconds()
	rec.Duration = &duration

	status := ex.writer.Status()
	errMsg, failed := failureMessage(c, ex, status)
	if failed && status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	rec.StatusCode = &status

	reqBody, hasBody := parseJSON(ex.body)
	if hasBody {
		reqBody = a.truncate(a.sanitizer.Sanitize(reqBody))
	}

	cs, hasChanges := changeSetFromContext(c)
	switch {
	case hasChanges:
		rec.OldValues = a.truncate(a.sanitizer.Sanitize(cs.Old))
		rec.NewValues = a.truncate(a.sanitizer.Sanitize(cs.New))
	case hasBody && (req.Method == http.MethodPut || req.Method == http.MethodPatch):
		rec.NewValues = reqBody
	case !failed:
		rec.NewValues = a.responseRecord(ex.writer)
	}
	rec.AffectedFields = affectedFields(rec.OldValues, rec.NewValues)

	meta := map[string]audit.Value{
		"status_code": audit.Number(float64(status)),
	}
	if fp := c.FullPath(); fp != "" {
		meta["route"] = audit.String(fp)
	}
	if hasBody {
		meta["request_body"] = reqBody
	}
	if q := req.URL.Query(); len(q) > 0 {
		meta["query"] = a.sanitizer.Sanitize(queryValue(q))
	}
	if m := c.GetString(AuthMethodKey); m != "" {
		meta["auth_method"] = audit.String(m)
	}
	if k := c.GetString(APIKeyIDKey); k != "" {
		meta["api_key_id"] = audit.String(k)
	}

	if failed {
		rec.Success = false
		rec.Severity = audit.SeverityError
		rec.ErrorMessage = audit.StringPtr(errMsg)
		if ex.panicValue != nil && !a.cfg.Production {
			meta["stack"] = audit.String(string(ex.stack))
		}
	}
	rec.Metadata = audit.Map(meta)
	audit.DeriveFlags(&rec)
	return rec
}

func (a *AuditCapture) severityFor(t audit.ActionType) audit.Severity {
	if sev, ok := a.severity[t]; ok {
		return sev
	}
	return audit.SeverityLow
}

// truncate replaces v by a stub when its encoding exceeds MaxBodySize.
func (a *AuditCapture) truncate(v audit.Value) audit.Value {
	if a.cfg.MaxBodySize <= 0 || v.IsNull() {
		return v
	}
	if size := v.EncodedSize(); size > a.cfg.MaxBodySize {
		return truncatedStub(size, a.cfg.MaxBodySize)
	}
	return v
}

// responseRecord returns the sanitized JSON object the handler wrote, if any.
func (a *AuditCapture) responseRecord(w *teeWriter) audit.Value {
	if w.total == 0 || !strings.Contains(strings.ToLower(w.Header().Get("Content-Type")), "json") {
		return audit.Null()
	}
	if w.overflowed() {
		return truncatedStub(w.total, w.limit)
	}
	v, ok := parseJSON(w.buf.Bytes())
	if !ok || v.Kind() != audit.KindMap {
		return audit.Null()
	}
	return a.truncate(a.sanitizer.Sanitize(v))
}

func truncatedStub(size, limit int) audit.Value {
	return audit.Map(map[string]audit.Value{
		"truncated":     audit.Bool(true),
		"original_size": audit.Number(float64(size)),
		"message":       audit.String(fmt.Sprintf("payload exceeded %d bytes and was not recorded", limit)),
	})
}

func isTruncated(v audit.Value) bool {
	t, ok := v.Get("truncated")
	if !ok {
		return false
	}
	b, _ := t.AsBool()
	return b
}

// failureMessage reports whether the exchange failed and why. A panic wins
// over handler errors, which win over the response status.
func failureMessage(c *gin.Context, ex exchange, status int) (string, bool) {
	switch {
	case ex.panicValue != nil:
		return fmt.Sprint(ex.panicValue), true
	case len(c.Errors) > 0:
		return c.Errors.Last().Error(), true
	case status >= http.StatusBadRequest:
		if v, ok := parseJSON(ex.writer.buf.Bytes()); ok {
			if e, ok := v.Get("error"); ok {
				if s, ok := e.AsString(); ok && s != "" {
					return s, true
				}
			}
		}
		return http.StatusText(status), true
	}
	return "", false
}

// pathActions override the method-derived action type. Order matters:
// "unblock" contains "block".
var pathActions = []struct {
	fragment string
	action   audit.ActionType
}{
	{"login", audit.ActionLogin},
	{"logout", audit.ActionLogout},
	{"export", audit.ActionExport},
	{"import", audit.ActionImport},
	{"approve", audit.ActionApprove},
	{"reject", audit.ActionReject},
	{"unblock", audit.ActionUnblock},
	{"block", audit.ActionBlock},
	{"restore", audit.ActionRestore},
}

func deriveActionType(method, path string) audit.ActionType {
	p := strings.ToLower(path)
	for _, pa := range pathActions {
		if strings.Contains(p, pa.fragment) {
			return pa.action
		}
	}
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return audit.ActionRead
	case http.MethodPost:
		return audit.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return audit.ActionUpdate
	case http.MethodDelete:
		return audit.ActionDelete
	default:
		return audit.ActionOther
	}
}

// deriveResource returns the first path segment that is not "api", "admin"
// or a version marker such as "v2".
func deriveResource(path string) string {
	for _, seg := range strings.Split(path, "/") {
		s := strings.ToLower(seg)
		if s == "" || s == "api" || s == "admin" || isVersionSegment(s) {
			continue
		}
		if len(s) > maxActionLength {
			s = s[:maxActionLength]
		}
		return s
	}
	return "unknown"
}

func isVersionSegment(s string) bool {
	return len(s) > 1 && s[0] == 'v' && isNumeric(s[1:])
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func resourceID(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	for _, seg := range strings.Split(c.Request.URL.Path, "/") {
		if seg == "" {
			continue
		}
		if _, err := uuid.Parse(seg); err == nil {
			return seg
		}
		if isNumeric(seg) {
			return seg
		}
	}
	if id := c.Query("id"); id != "" {
		return id
	}
	return unknownResourceID
}

func callerFromContext(c *gin.Context) *audit.Caller {
	id := c.GetString(UserIDKey)
	if id == "" {
		return nil
	}
	return &audit.Caller{
		ID:             id,
		Email:          c.GetString(UserEmailKey),
		Role:           c.GetString(UserRoleKey),
		SessionToken:   c.GetString(SessionIDKey),
		ImpersonatedBy: c.GetString(ImpersonatedByKey),
		Scopes:         c.GetStringSlice(ScopesKey),
	}
}

func changeSetFromContext(c *gin.Context) (audit.ChangeSet, bool) {
	v, ok := c.Get(audit.ChangeSetKey)
	if !ok {
		return audit.ChangeSet{}, false
	}
	switch cs := v.(type) {
	case audit.ChangeSet:
		return cs, true
	case *audit.ChangeSet:
		if cs != nil {
			return *cs, true
		}
	}
	return audit.ChangeSet{}, false
}

// affectedFields lists the keys that differ between the old and new
// snapshots, or every key of new when there is no old snapshot.
func affectedFields(before, after audit.Value) []string {
	if after.Kind() != audit.KindMap || isTruncated(after) {
		return nil
	}
	var fields []string
	for _, k := range after.Keys() {
		av, _ := after.Get(k)
		if bv, ok := before.Get(k); ok && bv.Equal(av) {
			continue
		}
		fields = append(fields, k)
	}
	for _, k := range before.Keys() {
		if _, ok := after.Get(k); !ok {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

func queryValue(q url.Values) audit.Value {
	m := make(map[string]audit.Value, len(q))
	for k, vs := range q {
		if len(vs) == 1 {
			m[k] = audit.String(vs[0])
			continue
		}
		items := make([]audit.Value, len(vs))
		for i, s := range vs {
			items[i] = audit.String(s)
		}
		m[k] = audit.List(items...)
	}
	return audit.Map(m)
}

func parseJSON(b []byte) (audit.Value, bool) {
	if len(bytes.TrimSpace(b)) == 0 {
		return audit.Null(), false
	}
	var v audit.Value
	if err := json.Unmarshal(b, &v); err != nil {
		return audit.Null(), false
	}
	return v, true
}

// readRequestBody reads the body and puts an identical reader back for the
// handler.
func readRequestBody(c *gin.Context) []byte {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil
	}
	body, err := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		slog.Debug("audit capture could not read request body", "error", err)
		return nil
	}
	return body
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// teeWriter keeps a bounded copy of the response body.
type teeWriter struct {
	gin.ResponseWriter
	buf   bytes.Buffer
	limit int
	total int
}

func (w *teeWriter) Write(b []byte) (int, error) {
	w.tee(b)
	return w.ResponseWriter.Write(b)
}

func (w *teeWriter) WriteString(s string) (int, error) {
	w.tee([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

func (w *teeWriter) tee(b []byte) {
	w.total += len(b)
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		w.buf.Write(b)
	}
}

func (w *teeWriter) overflowed() bool {
	return w.total > w.buf.Len()
}
