package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/callback"
)

type fakeResolver struct {
	addrs []string
	err   error
}

func (f fakeResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	return f.addrs, f.err
}

func sendAndWait(t *testing.T, bus callback.Bus, req callback.Request) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return callback.Send(ctx, bus, "test-policy", req)
}

func TestServerAnswersDNSLookup(t *testing.T) {
	bus := callback.NewBus(1)
	srv := Server{Resolver: fakeResolver{addrs: []string{"127.0.0.1"}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx, bus)

	payload, err := sendAndWait(t, bus, callback.DNSLookupHost{Host: "example.com"})
	require.NoError(t, err)

	var addrs []string
	require.NoError(t, json.Unmarshal(payload, &addrs))
	assert.Equal(t, []string{"127.0.0.1"}, addrs)
}

func TestServerAnswersCertificateVerify(t *testing.T) {
	bus := callback.NewBus(1)
	srv := Server{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx, bus)

	_, err := sendAndWait(t, bus, callback.CertificateVerify{Cert: []byte("not a cert")})
	require.Error(t, err)
}

func TestServerRejectsKeylessVerification(t *testing.T) {
	bus := callback.NewBus(1)
	srv := Server{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx, bus)

	_, err := sendAndWait(t, bus, callback.SigstoreVerifyKeyless{Image: "ghcr.io/example/image:latest"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keyless")
}

func TestServerStopsOnContextCancel(t *testing.T) {
	bus := callback.NewBus(1)
	srv := Server{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx, bus)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
