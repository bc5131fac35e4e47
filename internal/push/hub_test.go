package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"puzzleboard-server/internal/event"
)

type connectResult struct {
	channel  *Channel
	replaced bool
}

// setupTestHub runs an HTTP endpoint that registers every accepted socket
// with the hub under the player id from the query string.
func setupTestHub(t *testing.T) (*Hub, *event.Bus, string, chan connectResult) {
	t.Helper()

	bus := event.NewBus()
	hub := NewHub(bus)
	results := make(chan connectResult, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		playerID, _ := strconv.ParseInt(r.URL.Query().Get("player"), 10, 64)
		ch, replaced := hub.Connect("testroom", playerID, socket)
		results <- connectResult{channel: ch, replaced: replaced}

		// Mirrors the production connect handler; norelease keeps the slot
		// registered after a hard client close.
		if r.URL.Query().Get("norelease") == "1" {
			<-ch.Done()
			return
		}
		readCtx := socket.CloseRead(context.Background())
		select {
		case <-readCtx.Done():
			hub.Release(ch)
		case <-ch.Done():
		}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return hub, bus, wsURL, results
}

func dialPlayer(t *testing.T, wsURL string, playerID int64) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL+"?player="+strconv.FormatInt(playerID, 10), nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestBroadcastReachesEveryPlayer(t *testing.T) {
	hub, _, wsURL, results := setupTestHub(t)

	conn1 := dialPlayer(t, wsURL, 1)
	defer conn1.Close(websocket.StatusNormalClosure, "")
	conn2 := dialPlayer(t, wsURL, 2)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	<-results
	<-results

	hub.Broadcast("testroom", "game-started", map[string]any{"roomId": "testroom"})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "game-started", env.Event)
	}
}

func TestBroadcastExceptSkipsOnePlayer(t *testing.T) {
	hub, _, wsURL, results := setupTestHub(t)

	conn1 := dialPlayer(t, wsURL, 1)
	defer conn1.Close(websocket.StatusNormalClosure, "")
	conn2 := dialPlayer(t, wsURL, 2)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	<-results
	<-results

	hub.BroadcastExcept("testroom", "player-joined", nil, 1)
	hub.Broadcast("testroom", "follow-up", nil)

	// Player 1 must see only the second event.
	env := readEnvelope(t, conn1)
	assert.Equal(t, "follow-up", env.Event)

	env = readEnvelope(t, conn2)
	assert.Equal(t, "player-joined", env.Event)
}

func TestSendToTargetsSinglePlayer(t *testing.T) {
	hub, _, wsURL, results := setupTestHub(t)

	conn1 := dialPlayer(t, wsURL, 1)
	defer conn1.Close(websocket.StatusNormalClosure, "")
	<-results

	hub.SendTo("testroom", 1, "host-assigned", map[string]any{"isHost": true})
	env := readEnvelope(t, conn1)
	assert.Equal(t, "host-assigned", env.Event)

	// Sending to an absent player must not panic.
	assert.NotPanics(t, func() {
		hub.SendTo("testroom", 99, "host-assigned", nil)
	})
}

func TestReconnectReplacesAndClosesPriorChannel(t *testing.T) {
	hub, _, wsURL, results := setupTestHub(t)

	conn1 := dialPlayer(t, wsURL, 1)
	first := <-results
	assert.False(t, first.replaced)

	conn2 := dialPlayer(t, wsURL, 1)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	second := <-results
	assert.True(t, second.replaced)

	// The displaced socket gets a close frame.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn1.Read(ctx)
	require.Error(t, err)

	// The fresh channel still delivers.
	hub.Broadcast("testroom", "after-swap", nil)
	env := readEnvelope(t, conn2)
	assert.Equal(t, "after-swap", env.Event)
}

func TestReleaseOnlyRemovesCurrentChannel(t *testing.T) {
	hub, _, wsURL, results := setupTestHub(t)

	conn1 := dialPlayer(t, wsURL, 1)
	first := <-results
	conn1.Close(websocket.StatusNormalClosure, "")

	conn2 := dialPlayer(t, wsURL, 1)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	<-results

	// Releasing the stale channel must not evict the replacement.
	hub.Release(first.channel)
	assert.True(t, hub.Connected("testroom", 1))
}

func TestSendsDuringReconnectSwapsNeverHitHalfBuiltChannel(t *testing.T) {
	hub, _, wsURL, results := setupTestHub(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.SendTo("testroom", 1, "tick", nil)
				hub.Broadcast("testroom", "tock", nil)
			}
		}
	}()

	// Each dial swaps the slot while the sender hammers it. A freshly
	// registered channel must always carry a live idle timer.
	conns := make([]*websocket.Conn, 0, 30)
	for i := 0; i < 30; i++ {
		conns = append(conns, dialPlayer(t, wsURL, 1))
		<-results
	}

	close(stop)
	wg.Wait()
	for _, conn := range conns {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func TestCloseRoomTearsDownAllChannels(t *testing.T) {
	hub, _, wsURL, results := setupTestHub(t)

	conn1 := dialPlayer(t, wsURL, 1)
	conn2 := dialPlayer(t, wsURL, 2)
	<-results
	<-results

	hub.CloseRoom("testroom")

	assert.False(t, hub.Connected("testroom", 1))
	assert.False(t, hub.Connected("testroom", 2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn1.Read(ctx)
	assert.Error(t, err)
	_, _, err = conn2.Read(ctx)
	assert.Error(t, err)
}

func TestWriteFailurePublishesUnexpectedDisconnect(t *testing.T) {
	hub, bus, wsURL, results := setupTestHub(t)

	disconnects := make(chan event.PlayerDisconnected, 1)
	bus.Subscribe(event.PlayerDisconnected{}.EventName(), func(e event.Event) {
		if d, ok := e.(event.PlayerDisconnected); ok {
			disconnects <- d
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn1, _, err := websocket.Dial(ctx, wsURL+"?player=1&norelease=1", nil)
	require.NoError(t, err)
	first := <-results

	// Kill the underlying socket without telling the hub.
	conn1.CloseNow()
	first.channel.conn.CloseNow()

	hub.Broadcast("testroom", "doomed", nil)

	select {
	case d := <-disconnects:
		assert.Equal(t, int64(1), d.PlayerID)
		assert.True(t, d.Unexpected)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a disconnect event")
	}
	assert.False(t, hub.Connected("testroom", 1))
}

func TestDisconnectDoesNotPublish(t *testing.T) {
	hub, bus, wsURL, results := setupTestHub(t)

	published := make(chan event.PlayerDisconnected, 1)
	bus.Subscribe(event.PlayerDisconnected{}.EventName(), func(e event.Event) {
		if d, ok := e.(event.PlayerDisconnected); ok {
			published <- d
		}
	})

	conn1 := dialPlayer(t, wsURL, 1)
	defer conn1.Close(websocket.StatusNormalClosure, "")
	<-results

	hub.Disconnect("testroom", 1, "player-left", false)

	assert.False(t, hub.Connected("testroom", 1))
	select {
	case <-published:
		t.Fatal("intentional disconnect must not publish an event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnexpectedDisconnectPublishes(t *testing.T) {
	hub, bus, wsURL, results := setupTestHub(t)

	published := make(chan event.PlayerDisconnected, 1)
	bus.Subscribe(event.PlayerDisconnected{}.EventName(), func(e event.Event) {
		if d, ok := e.(event.PlayerDisconnected); ok {
			published <- d
		}
	})

	conn1 := dialPlayer(t, wsURL, 1)
	defer conn1.Close(websocket.StatusNormalClosure, "")
	<-results

	hub.Disconnect("testroom", 1, "unknown-state", true)

	assert.False(t, hub.Connected("testroom", 1))
	select {
	case d := <-published:
		assert.Equal(t, int64(1), d.PlayerID)
		assert.Equal(t, "unknown-state", d.Reason)
		assert.True(t, d.Unexpected)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a disconnect event")
	}
}
