package eventbus

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/store"
)

func TestStreamHandler_RejectsMissingQueryParams(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	srv := httptest.NewServer(StreamHandler(db))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, 400, resp.StatusCode)
}

func TestStreamHandler_PushesPublishedEventsOverWebsocket(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	srv := httptest.NewServer(StreamHandler(db))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?kind=task.created&subscriber=stream-test"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = Publish(db, "task.created", "agent-1", "task-1", "a task was created", nil)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got models.Event
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "task.created", got.Kind)
	require.Equal(t, "a task was created", got.Message)
}
