package watchbus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitWatchers(t *testing.T, bus *InMemoryWatchBus, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if bus.Watchers() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d watchers, got %d", n, bus.Watchers())
}

func TestSSEHandlerStream(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?type=deadlock")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	waitWatchers(t, bus, 1)

	if err := bus.Publish(context.Background(), Event{Type: EventDeadlock, Tx: "B:1", Key: "k1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "event: deadlock" {
		t.Fatalf("unexpected line %q", line)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if ev.Tx != "B:1" || ev.Key != "k1" {
		t.Fatalf("unexpected %+v", ev)
	}
}

func TestSSEHandlerUnknownType(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?type=nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerContextCancel(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	waitWatchers(t, bus, 1)
	cancel()
	resp.Body.Close()
	waitWatchers(t, bus, 0)
}

type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Flush()                    {}

func TestSSEHandlerWriteErrorUnwatches(t *testing.T) {
	bus := NewInMemory()
	handler := SSEHandler(bus)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	done := make(chan struct{})
	go func() {
		handler(&failingWriter{header: make(http.Header)}, req)
		close(done)
	}()
	waitWatchers(t, bus, 1)

	_ = bus.Publish(context.Background(), Event{Type: EventBegin})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit on write error")
	}
	waitWatchers(t, bus, 0)
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?type=commit"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitWatchers(t, bus, 1)

	if err := bus.Publish(context.Background(), Event{Type: EventCommit, Tx: "A:3"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventCommit || ev.Tx != "A:3" {
		t.Fatalf("unexpected %+v", ev)
	}
}

func TestWebSocketHandlerUnknownType(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?type=nope"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}
