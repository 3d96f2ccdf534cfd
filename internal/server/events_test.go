package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/chief-of-staff/internal/syncstore"
)

func TestHubPublishDoesNotBlock(t *testing.T) {
	t.Parallel()

	h := newHub(testLogger(t))
	ch := h.subscribe()
	require.NotNil(t, ch)

	for i := range subscriberBuffer + 5 {
		h.publish(syncstore.Change{Collection: syncstore.CollectionTasks, Count: i})
	}

	assert.Len(t, ch, subscriberBuffer)

	first := <-ch
	assert.Equal(t, 0, first.Count)
}

func TestHubClose(t *testing.T) {
	t.Parallel()

	h := newHub(testLogger(t))
	ch := h.subscribe()

	h.close()

	_, ok := <-ch
	assert.False(t, ok, "close ends existing subscriptions")
	assert.Nil(t, h.subscribe())
	assert.Zero(t, h.count())

	h.publish(syncstore.Change{Collection: syncstore.CollectionNotes})
	h.unsubscribe(ch)
}

func TestEventsStream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?token=" + env.token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return env.srv.hub.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/notes", `{"notes":[{"id":1},{"id":2}],"syncedAt":42}`, apiKey())
	require.Equal(t, http.StatusOK, rec.Code)

	var got syncstore.Change
	require.NoError(t, wsjson.Read(ctx, conn, &got))

	syncedAt := 42.0
	assert.Equal(t, syncstore.Change{Collection: syncstore.CollectionNotes, SyncedAt: &syncedAt, Count: 2}, got)

	rec = env.do(t, http.MethodPost, "/context/plan.md", `{"content":"x"}`, env.bearer())
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, syncstore.CollectionContext, got.Collection)
	assert.Equal(t, "plan.md", got.File)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return env.srv.hub.count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventsRequiresDeviceToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?key=" + testAPIKey

	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- env.srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	assert.Nil(t, env.srv.hub.subscribe(), "event hub closed on shutdown")
}
