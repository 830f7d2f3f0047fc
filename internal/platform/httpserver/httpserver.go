package httpserver

import (
	"net/http"
	"time"

	"visitorid/internal/platform/config"
)

// writeSlack covers encoding the response after identity resolution has
// used its full budget.
const writeSlack = 5 * time.Second

// New builds the HTTP server for cfg. Writes are bounded by the resolve
// timeout so a stuck visitor never pins a connection.
func New(cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.ResolveTimeout + writeSlack,
		IdleTimeout:       60 * time.Second,
	}
}
