package progress

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroadcaster_DeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(8, discardLogger())
	first, cancelFirst := b.Subscribe()
	defer cancelFirst()
	second, cancelSecond := b.Subscribe()
	defer cancelSecond()

	b.Publish(EventSyncStart, map[string]string{"runId": "r1"})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventSyncStart, ev.Name)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBroadcaster_CancelClosesAndUnregisters(t *testing.T) {
	b := NewBroadcaster(1, discardLogger())
	ch, cancel := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers())
	b.Publish(EventSyncProgress, nil)
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(1, discardLogger())
	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(EventSyncProgress, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, int64(9), b.Dropped())
}

func TestBroadcaster_ConcurrentSubscribeDuringPublish(t *testing.T) {
	b := NewBroadcaster(4, discardLogger())
	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			b.Publish(EventSyncProgress, "tick")
		}
	}()
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := b.Subscribe()
			<-ch
			cancel()
		}()
	}

	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
	stop()
	wg.Wait()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.Name)
	}
	return out
}

func TestBroadcaster_Forward(t *testing.T) {
	b := NewBroadcaster(8, discardLogger())
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Forward(ctx, sink)
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, time.Millisecond)

	b.Publish(EventSyncStart, nil)
	b.Publish(EventSyncComplete, nil)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{EventSyncStart, EventSyncComplete}, sink.names())
	}, time.Second, 5*time.Millisecond)
}

func TestSSEHandler(t *testing.T) {
	b := NewBroadcaster(8, discardLogger())
	server := httptest.NewServer(SSEHandler(b, 20*time.Millisecond, discardLogger()))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	b.Publish(EventSyncComplete, map[string]any{"success": true})

	var sawKeepAlive, sawEvent bool
	var data string
	deadline := time.Now().Add(2 * time.Second)
	for (!sawEvent || !sawKeepAlive) && time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case line == ": keep-alive\n":
			sawKeepAlive = true
		case line == "event: sync:complete\n":
			sawEvent = true
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.True(t, sawEvent)
	assert.True(t, sawKeepAlive)
	assert.JSONEq(t, `{"success": true}`, data)
}

func TestWebSocketHandler(t *testing.T) {
	b := NewBroadcaster(8, discardLogger())
	server := httptest.NewServer(WebSocketHandler(b, discardLogger()))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, time.Millisecond)
	b.Publish("job:completed", map[string]string{"id": "j1"})

	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "job:completed", frame.Event)
	assert.JSONEq(t, `{"id": "j1"}`, string(frame.Data))
}
