package httpserver

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"visitorid/internal/platform/config"
)

func TestNewBoundsWritesByResolveTimeout(t *testing.T) {
	srv := New(config.Server{Addr: ":9090", ResolveTimeout: 3 * time.Second}, http.NotFoundHandler())

	assert.Equal(t, ":9090", srv.Addr)
	assert.Equal(t, 8*time.Second, srv.WriteTimeout)
	assert.Equal(t, 5*time.Second, srv.ReadHeaderTimeout)
}
