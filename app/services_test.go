package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPServiceStopsOnCancel(t *testing.T) {
	svc := &httpService{
		server: &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second},
		logger: zerolog.Nop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, "http-server", svc.String())
}

func TestHTTPServiceReportsListenErrors(t *testing.T) {
	svc := &httpService{server: &http.Server{Addr: "256.0.0.1:80"}, logger: zerolog.Nop()}
	require.Error(t, svc.Serve(context.Background()))
}
