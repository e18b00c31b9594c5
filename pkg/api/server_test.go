package api

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/cortex/pkg/logger"
)

func TestNewHTTPServer(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 8080
	cfg.Server.HTTP.MaxHeaderBytes = 1 << 16

	server := NewHTTPServer(cfg, logger.Nop(), &Handlers{})
	require.NotNil(t, server)
	require.NotNil(t, server.server)
	require.NotNil(t, server.router)

	assert.Equal(t, "127.0.0.1:8080", server.server.Addr)
	assert.Equal(t, cfg.Server.HTTP.ReadTimeout, server.server.ReadTimeout)
	assert.Equal(t, cfg.Server.HTTP.WriteTimeout, server.server.WriteTimeout)
	assert.Equal(t, cfg.Server.HTTP.IdleTimeout, server.server.IdleTimeout)
	assert.Equal(t, 1<<16, server.server.MaxHeaderBytes)
}

func TestHTTPServer_ServeAndShutdown(t *testing.T) {
	cfg := testConfig()
	h, _ := createTestHandlers(t, cfg)
	server := NewHTTPServer(cfg, logger.Nop(), h)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(ln)
	}()

	require.Eventually(t, func() bool { return server.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ln.Addr().String(), server.Addr().String())

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestHTTPServer_StartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	server := NewHTTPServer(cfg, logger.Nop(), &Handlers{})

	assert.Error(t, server.Start())
}

func TestErrorLogWriter(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&logger.Config{Level: logger.DebugLevel, Format: "json"}, &buf)

	n, err := errorLogWriter{log}.Write([]byte("http: TLS handshake error\n"))
	require.NoError(t, err)
	assert.Equal(t, 26, n)
	assert.Contains(t, buf.String(), `"detail":"http: TLS handshake error"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}
