package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/meetmesh/internal/app/hub"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/dkeye/meetmesh/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h *hub.Hub, opts Options) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ctl := NewSignalWSController(h, opts)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("token"))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func write(t *testing.T, ws *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	f, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, f))
}

// read returns the next envelope of type typ, skipping others.
func read(t *testing.T, ws *websocket.Conn, typ protocol.Type) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		if env.Type == typ {
			return env
		}
	}
}

func join(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	ws := dial(t, url, token)
	write(t, ws, protocol.Envelope{Type: protocol.TypeSubscribe, Topic: "m1"})
	read(t, ws, protocol.TypeSubscribed)
	write(t, ws, protocol.Envelope{Type: protocol.TypeTrack})
	read(t, ws, protocol.TypePresenceState)
	return ws
}

func TestControllerRelaysBroadcast(t *testing.T) {
	h := hub.New(nil, hub.SimplePolicy{})
	url := newServer(t, h, Options{ReadLimit: 1 << 15})

	a := join(t, url, "a")
	b := join(t, url, "b")

	joined := read(t, a, protocol.TypePresenceJoin)
	require.Len(t, joined.Presence, 1)
	assert.Equal(t, domain.ParticipantID("b"), joined.Presence[0].ID)

	msg := domain.SignalMessage{Kind: domain.SignalOffer, Sender: "a", Recipient: "b", Payload: []byte(`{"type":"offer","sdp":"v=0"}`)}
	write(t, a, protocol.Envelope{Type: protocol.TypeBroadcast, Signal: &msg})

	got := read(t, b, protocol.TypeBroadcast)
	require.NotNil(t, got.Signal)
	assert.Equal(t, domain.SignalOffer, got.Signal.Kind)
	assert.Equal(t, domain.ParticipantID("a"), got.Signal.Sender)
}

func TestControllerAnswersPing(t *testing.T) {
	h := hub.New(nil, hub.SimplePolicy{})
	url := newServer(t, h, Options{PingPeriod: 50 * time.Millisecond})
	ws := dial(t, url, "a")

	write(t, ws, protocol.Envelope{Type: protocol.TypePing})
	read(t, ws, protocol.TypePong)
}

func TestControllerDisconnectAnnouncesLeave(t *testing.T) {
	h := hub.New(nil, hub.SimplePolicy{})
	url := newServer(t, h, Options{})

	a := join(t, url, "a")
	b := join(t, url, "b")
	read(t, a, protocol.TypePresenceJoin)

	require.NoError(t, b.Close())

	left := read(t, a, protocol.TypePresenceLeave)
	require.Len(t, left.Presence, 1)
	assert.Equal(t, domain.ParticipantID("b"), left.Presence[0].ID)
	assert.Eventually(t, func() bool { return len(h.Presence("m1")) == 1 }, time.Second, 10*time.Millisecond)
}

func TestBadFrameGetsErrorReply(t *testing.T) {
	h := hub.New(nil, hub.SimplePolicy{})
	url := newServer(t, h, Options{})
	ws := dial(t, url, "a")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)))
	env := read(t, ws, protocol.TypeError)
	assert.Equal(t, "bad_payload", env.Error)
}
