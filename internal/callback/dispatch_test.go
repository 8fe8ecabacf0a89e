package callback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedAllowlist map[string]bool

func (f fixedAllowlist) Allows(apiVersion, kind string) bool {
	return f[apiVersion+"/"+kind]
}

func serveOnce(t *testing.T, bus Bus, reply func(Request) ([]byte, error)) {
	t.Helper()
	go func() {
		envelope := <-bus
		payload, err := reply(envelope.Request)
		envelope.Reply(payload, err)
	}()
}

func TestDispatchOCIManifestDigest(t *testing.T) {
	bus := NewBus(1)
	d := Dispatcher{PolicyID: "p", Bus: bus}

	serveOnce(t, bus, func(req Request) ([]byte, error) {
		m, ok := req.(OCIManifestDigest)
		require.True(t, ok)
		assert.Equal(t, "ghcr.io/kubewarden/x:1.0", m.Image)
		return []byte(`"sha256:abc"`), nil
	})

	payload, err := json.Marshal("ghcr.io/kubewarden/x:1.0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := d.Dispatch(ctx, "kubewarden", "oci", "v1/manifest_digest", payload)
	require.NoError(t, err)
	assert.Equal(t, `"sha256:abc"`, string(out))
}

func TestDispatchUnknownBindingNamespaceOperation(t *testing.T) {
	bus := NewBus(1)
	d := Dispatcher{PolicyID: "p", Bus: bus}
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "nope", "oci", "v1/manifest_digest", nil)
	assert.ErrorContains(t, err, "unknown binding")

	_, err = d.Dispatch(ctx, "kubewarden", "nope", "x", nil)
	assert.ErrorContains(t, err, "unknown namespace")

	_, err = d.Dispatch(ctx, "kubewarden", "oci", "v3/whatever", nil)
	assert.ErrorContains(t, err, "unknown operation")
}

func TestDispatchDeniesK8sAccessOutsideAllowlist(t *testing.T) {
	bus := NewBus(1)
	d := Dispatcher{PolicyID: "p", Bus: bus, Allowlist: fixedAllowlist{}}

	payload, err := json.Marshal(map[string]string{"api_version": "v1", "kind": "Pod"})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = d.Dispatch(ctx, "kubewarden", "kubernetes", "list_resources_all", payload)
	assert.ErrorContains(t, err, "has not been granted access")
}

func TestDispatchAllowsK8sAccessWithinAllowlist(t *testing.T) {
	bus := NewBus(1)
	allowlist := fixedAllowlist{"v1/Pod": true}
	d := Dispatcher{PolicyID: "p", Bus: bus, Allowlist: allowlist}

	serveOnce(t, bus, func(req Request) ([]byte, error) {
		return []byte("[]"), nil
	})

	payload, err := json.Marshal(map[string]string{"api_version": "v1", "kind": "Pod"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := d.Dispatch(ctx, "kubewarden", "kubernetes", "list_resources_all", payload)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}

func TestDispatchDeprecatedClusterContextBindings(t *testing.T) {
	bus := NewBus(1)
	d := Dispatcher{PolicyID: "p", Bus: bus, Allowlist: fixedAllowlist{"v1/Namespace": true}}

	serveOnce(t, bus, func(req Request) ([]byte, error) {
		listAll, ok := req.(K8sListAll)
		require.True(t, ok)
		assert.Equal(t, "v1", listAll.APIVersion)
		assert.Equal(t, "Namespace", listAll.Kind)
		return []byte("[]"), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := d.Dispatch(ctx, "kubernetes", "namespaces", "", nil)
	require.NoError(t, err)
}

func TestEnvelopeWaitTimesOutWithoutReply(t *testing.T) {
	bus := NewBus(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Send(ctx, bus, "p", DNSLookupHost{Host: "example.com"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
