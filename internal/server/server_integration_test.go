package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/licdir/licdir/internal/service"
)

// fakeDirectory serves the upstream payload shape for integration tests.
func fakeDirectory(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"data":[
			{"id":42,"name":"Polo Alfa","status":"ativo","taxId":"12.345.678/0001-99","taxIdSearchDigits":"12345678000199","city":"Lisboa","state":"LX"},
			{"id":123,"name":"João Silva","status":"ativo","taxId":"123.456.789-01","taxIdSearchDigits":"12345678901"}
		]}`)
	}))
}

func TestServerRunAndShutdown(t *testing.T) {
	t.Run("starts and stops gracefully", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.Address = ":0"
		cfg.Admin.Address = ":0"

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		// Give server time to start.
		time.Sleep(200 * time.Millisecond)

		// Cancel to trigger shutdown.
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not shut down within timeout")
		}
	})
}

// freeAddr returns a "host:port" string with a port the OS has confirmed is
// available. The listener is closed immediately so the port can be reused.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// startServer runs srv in the background and waits for the admin health
// endpoint to answer.
func startServer(t *testing.T, srv *Server, adminAddr string) (cancel func(), done chan error) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, httpErr := http.Get("http://" + adminAddr + "/healthz")
		if httpErr != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "server did not become ready")

	return cancelCtx, done
}

func TestServerHealthEndpoints(t *testing.T) {
	t.Run("health and metrics endpoints are accessible", func(t *testing.T) {
		searchAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := testConfig()
		cfg.Server.Address = searchAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		cancel, done := startServer(t, srv, adminAddr)
		defer cancel()

		client := &http.Client{Timeout: 2 * time.Second}

		respS, err := client.Get("http://" + adminAddr + "/startz")
		require.NoError(t, err)
		defer respS.Body.Close()
		assert.Equal(t, http.StatusOK, respS.StatusCode)

		var startBody map[string]string
		require.NoError(t, json.NewDecoder(respS.Body).Decode(&startBody))
		assert.Equal(t, "started", startBody["status"])

		resp, err := client.Get("http://" + adminAddr + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "alive", body["status"])

		resp2, err := client.Get("http://" + adminAddr + "/readyz")
		require.NoError(t, err)
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		resp3, err := client.Get("http://" + adminAddr + "/metrics")
		require.NoError(t, err)
		defer resp3.Body.Close()
		assert.Equal(t, http.StatusOK, resp3.StatusCode)
		metricsBody, _ := io.ReadAll(resp3.Body)
		assert.Contains(t, string(metricsBody), "licdir_searches_total")

		cancel()
		<-done
	})
}

func TestServerSearchEndToEnd(t *testing.T) {
	t.Run("searches, masks, and audits over HTTP", func(t *testing.T) {
		upstream := fakeDirectory(t)
		defer upstream.Close()

		searchAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := testConfig()
		cfg.Upstream.URL = upstream.URL
		cfg.Server.Address = searchAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		cancel, done := startServer(t, srv, adminAddr)
		defer cancel()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + searchAddr + "/search?q=Polo+Alfa")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

		var envelope struct {
			Success bool                   `json:"success"`
			Data    []service.MaskedResult `json:"data"`
			Count   int                    `json:"count"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		assert.True(t, envelope.Success)
		require.Equal(t, 1, envelope.Count)
		assert.Equal(t, int64(42), envelope.Data[0].ID)
		assert.Equal(t, "12.34*.***/****-**", envelope.Data[0].MaskedTaxID)

		// The query is now in the audit trail.
		auditResp, err := client.Get("http://" + adminAddr + "/auditlog")
		require.NoError(t, err)
		defer auditResp.Body.Close()
		auditBody, _ := io.ReadAll(auditResp.Body)
		assert.Contains(t, string(auditBody), "Polo Alfa")

		cancel()
		<-done
	})

	t.Run("returns 400 for short terms", func(t *testing.T) {
		upstream := fakeDirectory(t)
		defer upstream.Close()

		searchAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := testConfig()
		cfg.Upstream.URL = upstream.URL
		cfg.Server.Address = searchAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		cancel, done := startServer(t, srv, adminAddr)
		defer cancel()

		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get("http://" + searchAddr + "/search?q=ab")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		cancel()
		<-done
	})

	t.Run("returns 429 with Retry-After when the budget is exhausted", func(t *testing.T) {
		upstream := fakeDirectory(t)
		defer upstream.Close()

		searchAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := testConfig()
		cfg.Upstream.URL = upstream.URL
		cfg.Server.Address = searchAddr
		cfg.Admin.Address = adminAddr
		cfg.RateLimit.MaxRequests = 2

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		cancel, done := startServer(t, srv, adminAddr)
		defer cancel()

		client := &http.Client{Timeout: 2 * time.Second}
		get := func() *http.Response {
			resp, getErr := client.Get("http://" + searchAddr + "/search?q=silva")
			require.NoError(t, getErr)
			return resp
		}

		for i := 0; i < 2; i++ {
			resp := get()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			resp.Body.Close()
		}

		resp := get()
		defer resp.Body.Close()
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("Retry-After"))

		cancel()
		<-done
	})

	t.Run("returns 503 when the upstream is down and nothing is cached", func(t *testing.T) {
		searchAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := testConfig()
		cfg.Upstream.URL = "http://127.0.0.1:1"
		cfg.Upstream.Timeout = "500ms"
		cfg.Server.Address = searchAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		cancel, done := startServer(t, srv, adminAddr)
		defer cancel()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + searchAddr + "/search?q=silva")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		cancel()
		<-done
	})
}

func TestServerTLSHTTP2(t *testing.T) {
	t.Run("negotiates HTTP/2 over TLS without h2c conflict", func(t *testing.T) {
		upstream := fakeDirectory(t)
		defer upstream.Close()

		dir := t.TempDir()
		certFile := dir + "/tls.crt"
		keyFile := dir + "/tls.key"
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))

		searchAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := testConfig()
		cfg.Upstream.URL = upstream.URL
		cfg.Server.Address = searchAddr
		cfg.Admin.Address = adminAddr
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = certFile
		cfg.Server.TLS.KeyFile = keyFile

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		cancel, done := startServer(t, srv, adminAddr)
		defer cancel()

		tr := &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		require.NoError(t, http2.ConfigureTransport(tr))
		tlsClient := &http.Client{Timeout: 5 * time.Second, Transport: tr}

		resp, err := tlsClient.Get("https://" + searchAddr + "/search?q=silva")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, "HTTP/2.0", resp.Proto, "TLS connection must negotiate HTTP/2 via ALPN")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		cancel()
		<-done
	})
}
