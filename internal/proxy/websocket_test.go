package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func newEchoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBiDiRelaysFrames(t *testing.T) {
	echo := newEchoServer(t)
	scope := tally.NewTestScope("testing", nil)
	b := NewBiDi(zap.NewNop(), scope)

	served := make(chan error, 1)
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served <- b.Serve(context.Background(), w, r, wsURL(echo))
	}))
	defer relay.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(relay), nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"session.status"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.JSONEq(t, `{"id":1,"method":"session.status"}`, string(msg))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after client closed")
	}
	assert.EqualValues(t, 1, scope.Snapshot().Counters()["testing.bidi.connections+"].Value())
}

func TestBiDiDialFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	target := wsURL(dead)
	dead.Close()

	b := NewBiDi(zap.NewNop(), tally.NoopScope)
	rec := httptest.NewRecorder()
	err := b.Serve(context.Background(), rec, httptest.NewRequest("GET", "/session/1/se/bidi", nil), target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to")
}

func TestBiDiClosesWhenSessionEnds(t *testing.T) {
	echo := newEchoServer(t)
	b := NewBiDi(zap.NewNop(), tally.NoopScope)
	life, end := context.WithCancel(context.Background())
	defer end()

	served := make(chan error, 1)
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served <- b.Serve(life, w, r, wsURL(echo))
	}))
	defer relay.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(relay), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	end()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay outlived its session")
	}
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
