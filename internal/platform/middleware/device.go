package middleware

import (
	"context"
	"net/http"

	"github.com/mssola/useragent"
)

type contextKeyDevice struct{}

// DeviceInfo summarises the caller's client, recorded alongside presence
// confirmations as supporting (non-evidentiary) metadata.
type DeviceInfo struct {
	Browser  string `json:"browser,omitempty"`
	OS       string `json:"os,omitempty"`
	Mobile   bool   `json:"mobile"`
	RemoteIP string `json:"remote_ip,omitempty"`
}

// Device parses the User-Agent header into the request context.
func Device(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := useragent.New(r.UserAgent())
		name, version := ua.Browser()
		info := DeviceInfo{
			Browser:  name + " " + version,
			OS:       ua.OS(),
			Mobile:   ua.Mobile(),
			RemoteIP: r.RemoteAddr,
		}
		ctx := context.WithValue(r.Context(), contextKeyDevice{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetDevice retrieves parsed device info from the context.
func GetDevice(ctx context.Context) DeviceInfo {
	if info, ok := ctx.Value(contextKeyDevice{}).(DeviceInfo); ok {
		return info
	}
	return DeviceInfo{}
}

// WithDevice injects device info into a context for tests.
func WithDevice(ctx context.Context, info DeviceInfo) context.Context {
	return context.WithValue(ctx, contextKeyDevice{}, info)
}
