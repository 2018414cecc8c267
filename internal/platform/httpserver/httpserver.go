// Package httpserver owns the http.Server settings for the evidentiary API.
package httpserver

import (
	"net/http"
	"time"
)

// Certification requests carry base64 document bodies, so the write and idle
// windows are generous while the header window stays tight against slowloris.
const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 2 * time.Minute
)

// New builds the API server around the router. Per-request deadlines are the
// router's timeout middleware; these bounds only cap the connection itself.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}
