// Package access combines session verification, the permission matrix and
// ownership facts into one decision per request, and records every outcome
// in the audit trail.
package access

import (
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"arka.dev/console/internal/auth"
)

// TraceHeader carries the correlation id in and out.
const TraceHeader = "X-Trace-Id"

const maxTraceIDLen = 128

// Request is the transport-neutral view of an inbound call.
type Request struct {
	Credential string
	Method     string
	Route      string
	IP         string
	UserAgent  string
	TraceID    string
	Started    time.Time
}

// RequestFromHTTP extracts the credential (cookies, then bearer header),
// client address, user agent and trace id from r.
func RequestFromHTTP(r *http.Request) Request {
	cred, _ := auth.ExtractCredential(r)
	return Request{
		Credential: cred,
		Method:     r.Method,
		Route:      r.URL.Path,
		IP:         ClientIP(r),
		UserAgent:  r.UserAgent(),
		TraceID:    TraceID(r),
		Started:    time.Now(),
	}
}

// TraceID returns the caller supplied trace id or a new UUID.
func TraceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(TraceHeader)); id != "" && len(id) <= maxTraceIDLen {
		return id
	}
	return uuid.NewString()
}

var trustedProxies atomic.Pointer[[]netip.Prefix]

// TrustProxies sets the networks whose forwarding headers ClientIP believes.
// With none set, ClientIP always answers the peer address.
func TrustProxies(prefixes []netip.Prefix) {
	list := slices.Clone(prefixes)
	trustedProxies.Store(&list)
}

func trusted(addr netip.Addr) bool {
	list := trustedProxies.Load()
	if list == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range *list {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address unless the peer is a trusted proxy. Then
// X-Forwarded-For is read right to left and the first hop that is not itself
// a trusted proxy wins; X-Real-IP is the fallback.
func ClientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	peerAddr, err := netip.ParseAddr(peer)
	if err != nil || !trusted(peerAddr) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				// a hop we cannot parse was written by the client
				break
			}
			if !trusted(hop) || i == 0 {
				return hop.Unmap().String()
			}
		}
	}
	if xr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xr.Unmap().String()
	}
	return peer
}
