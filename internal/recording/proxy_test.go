package recording

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/callback"
)

func TestRecorderCapturesExchangeAndWritesFile(t *testing.T) {
	upstream := callback.NewBus(1)
	go func() {
		envelope := <-upstream
		envelope.Reply([]byte("sha256:abc"), nil)
	}()

	dest := filepath.Join(t.TempDir(), "session.yaml")
	proxy := NewRecorder(upstream, dest, nil)

	guestBus := callback.NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Run(ctx, guestBus)

	payload, err := callback.Send(context.Background(), guestBus, "p", callback.OCIManifestDigest{Image: "ghcr.io/kubewarden/x:1.0"})
	require.NoError(t, err)
	assert.Equal(t, []byte("sha256:abc"), payload)

	require.NoError(t, proxy.Close())

	exchanges, err := LoadExchanges(dest)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "Success", exchanges[0].Response.Type)
	assert.Equal(t, "sha256:abc", exchanges[0].Response.Payload)

	req, err := unmarshalRequest(exchanges[0].Request)
	require.NoError(t, err)
	assert.Equal(t, callback.OCIManifestDigest{Image: "ghcr.io/kubewarden/x:1.0"}, req)
}

func TestRecorderCapturesUpstreamError(t *testing.T) {
	upstream := callback.NewBus(1)
	go func() {
		envelope := <-upstream
		envelope.Reply(nil, assertError("image is not signed"))
	}()

	dest := filepath.Join(t.TempDir(), "session.yaml")
	proxy := NewRecorder(upstream, dest, nil)

	guestBus := callback.NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Run(ctx, guestBus)

	_, err := callback.Send(context.Background(), guestBus, "p", callback.DNSLookupHost{Host: "example.com"})
	require.Error(t, err)
	assert.Equal(t, "image is not signed", err.Error())

	require.NoError(t, proxy.Close())

	exchanges, err := LoadExchanges(dest)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "Error", exchanges[0].Response.Type)
	assert.Equal(t, "image is not signed", exchanges[0].Response.Message)
}

func TestReplayerAnswersFromQueueInOrder(t *testing.T) {
	reqYAML, err := marshalRequest(callback.DNSLookupHost{Host: "example.com"})
	require.NoError(t, err)

	proxy := NewReplayer([]Exchange{
		{Request: reqYAML, Response: SuccessResponse(`["93.184.216.34"]`)},
	}, nil)

	guestBus := callback.NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Run(ctx, guestBus)

	payload, err := callback.Send(context.Background(), guestBus, "p", callback.DNSLookupHost{Host: "example.com"})
	require.NoError(t, err)
	assert.JSONEq(t, `["93.184.216.34"]`, string(payload))
}

func TestReplayerRejectsUnexpectedRequest(t *testing.T) {
	reqYAML, err := marshalRequest(callback.DNSLookupHost{Host: "example.com"})
	require.NoError(t, err)

	proxy := NewReplayer([]Exchange{
		{Request: reqYAML, Response: SuccessResponse(`["93.184.216.34"]`)},
	}, nil)

	guestBus := callback.NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Run(ctx, guestBus)

	_, err = callback.Send(context.Background(), guestBus, "p", callback.DNSLookupHost{Host: "other.example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Replay error: unexpected request")
}

func TestReplayerRejectsWhenQueueEmpty(t *testing.T) {
	proxy := NewReplayer(nil, nil)

	guestBus := callback.NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Run(ctx, guestBus)

	_, err := callback.Send(context.Background(), guestBus, "p", callback.DNSLookupHost{Host: "example.com"})
	require.Error(t, err)
	assert.Equal(t, "the list of recorded responses is empty", err.Error())
}

func TestCloseReportsLeftoverReplayEntries(t *testing.T) {
	reqYAML, err := marshalRequest(callback.DNSLookupHost{Host: "example.com"})
	require.NoError(t, err)

	proxy := NewReplayer([]Exchange{
		{Request: reqYAML, Response: SuccessResponse(`[]`)},
	}, nil)

	require.NoError(t, proxy.Close())
}

func TestCloseFailsRecordingWhenAnExchangeDidNotSerialize(t *testing.T) {
	upstream := callback.NewBus(1)
	go func() {
		envelope := <-upstream
		// not valid UTF-8
		envelope.Reply([]byte{0xff, 0xfe, 0xfd}, nil)
	}()

	dest := filepath.Join(t.TempDir(), "session.yaml")
	proxy := NewRecorder(upstream, dest, nil)

	guestBus := callback.NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Run(ctx, guestBus)

	_, _ = callback.Send(context.Background(), guestBus, "p", callback.DNSLookupHost{Host: "example.com"})

	err := proxy.Close()
	require.Error(t, err)

	_, err = LoadExchanges(dest)
	require.Error(t, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }
