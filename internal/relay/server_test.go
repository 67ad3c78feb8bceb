package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/ledgersync/internal/auth"
	"github.com/mmynk/ledgersync/internal/storage/sqlite"
	"github.com/mmynk/ledgersync/pkg/sentinel"
)

const testSecret = "device-secret-0123456789"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := NewService(store, NewMemoryBroker(nil))
	srv := NewServer(svc, auth.NewJWTManager("test-jwt-secret", time.Hour), auth.NewSecretAuthenticator(store), nil, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newRegisteredClient(t *testing.T, ts *httptest.Server, actorID string) *Client {
	t.Helper()
	c := NewClient(http.DefaultClient, ts.URL, nil)
	t.Cleanup(c.Close)
	_, err := c.Register(context.Background(), actorID, testSecret)
	require.NoError(t, err)
	return c
}

func TestServerRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(http.DefaultClient, ts.URL, nil)

	_, err := c.Push(context.Background(), record("g1", "alice", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel.ErrTransport)
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
}

func TestServerRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newRegisteredClient(t, ts, "alice")

	_, err := c.Register(ctx, "alice", testSecret)
	assert.Equal(t, connect.CodeAlreadyExists, connect.CodeOf(err))

	other := NewClient(http.DefaultClient, ts.URL, nil)
	_, err = other.Login(ctx, "alice", "wrong-secret-0123456789")
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	token, err := other.Login(ctx, "alice", testSecret)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, token, other.Token())
}

func TestServerRejectsActorMismatch(t *testing.T) {
	ts := newTestServer(t)
	c := newRegisteredClient(t, ts, "alice")

	_, err := c.Push(context.Background(), record("g1", "mallory", 1))
	require.Error(t, err)
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))
}

func TestServerPushAndFetch(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newRegisteredClient(t, ts, "alice")

	first, err := c.Push(ctx, record("g1", "alice", 100))
	require.NoError(t, err)
	second, err := c.Push(ctx, record("g1", "alice", 100))
	require.NoError(t, err)
	assert.Greater(t, second.Timestamp, first.Timestamp)

	all, err := c.FetchAll(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	after, err := c.FetchSince(ctx, "g1", first.Timestamp, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, second.ID, after[0].ID)

	_, err = c.Push(ctx, record("", "alice", 1))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestServerSubscribeMultiplexesGroups(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	alice := newRegisteredClient(t, ts, "alice")
	bob := newRegisteredClient(t, ts, "bob")

	var g1, g2 collector
	sub1, err := bob.Subscribe(ctx, "g1", g1.add)
	require.NoError(t, err)
	_, err = bob.Subscribe(ctx, "g2", g2.add)
	require.NoError(t, err)

	_, err = alice.Push(ctx, record("g1", "alice", 1))
	require.NoError(t, err)
	_, err = alice.Push(ctx, record("g2", "alice", 1))
	require.NoError(t, err)
	_, err = alice.Push(ctx, record("g3", "alice", 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return g1.len() == 1 && g2.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "g1", g1.get(0).GroupID)
	assert.Equal(t, "g2", g2.get(0).GroupID)

	sub1.Close()
	_, err = alice.Push(ctx, record("g1", "alice", 2))
	require.NoError(t, err)
	_, err = alice.Push(ctx, record("g2", "alice", 2))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return g2.len() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, g1.len())
}
