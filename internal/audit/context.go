package audit

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Caller is the identity an upstream auth layer resolved for a request.
// A nil *Caller means an anonymous or system action.
type Caller struct {
	ID             string
	Email          string
	Role           string
	SessionToken   string
	ImpersonatedBy string
	Scopes         []string
}

// RequestContext is the correlation data attached to a captured record.
type RequestContext struct {
	RequestID  string
	IPAddress  string
	UserAgent  string
	Endpoint   string
	HTTPMethod string
	SessionID  string
}

// Header and cookie names read by ExtractRequestContext.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderForwardedFor  = "X-Forwarded-For"
	HeaderRealIP        = "X-Real-IP"
	HeaderSessionID     = "X-Session-ID"
	UnknownIP           = "unknown"
	requestIDLength     = 10
	sessionCookieName   = "session_id"
	sessionCookieLegacy = "sessionId"
)

// ExtractRequestContext derives correlation fields from r. It never fails;
// missing data yields best-effort values.
func ExtractRequestContext(r *http.Request, caller *Caller) RequestContext {
	rc := RequestContext{
		RequestID:  strings.TrimSpace(r.Header.Get(HeaderRequestID)),
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
		HTTPMethod: strings.ToUpper(r.Method),
	}
	if r.URL != nil {
		rc.Endpoint = r.URL.Path
	}
	if rc.RequestID == "" {
		rc.RequestID = NewRequestID()
	}

	switch {
	case caller != nil && caller.SessionToken != "":
		rc.SessionID = caller.SessionToken
	case r.Header.Get(HeaderSessionID) != "":
		rc.SessionID = r.Header.Get(HeaderSessionID)
	default:
		for _, name := range []string{sessionCookieName, sessionCookieLegacy} {
			if c, err := r.Cookie(name); err == nil && c.Value != "" {
				rc.SessionID = c.Value
				break
			}
		}
	}
	return rc
}

// NewRequestID returns a random 10-character identifier.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:requestIDLength]
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get(HeaderForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get(HeaderRealIP)); real != "" {
		return real
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return UnknownIP
}
