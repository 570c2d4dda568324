package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

// acceptPair returns the server side of a live WebSocket and the client
// that dialed it.
func acceptPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept error: %v", err)
			return
		}
		accepted <- conn
		<-done
		conn.CloseNow()
	}))
	t.Cleanup(func() {
		close(done)
		ts.Close()
	})

	client := dialWS(t, ts.URL)
	t.Cleanup(func() { client.CloseNow() })

	select {
	case server := <-accepted:
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept")
		return nil, nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	return data
}

// readErr reads from conn in the background so the peer's close handshake
// can complete, and reports the error that ended the read.
func readErr(conn *websocket.Conn) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				ch <- err
				return
			}
		}
	}()
	return ch
}

func TestConnManagerAddRemove(t *testing.T) {
	cm := NewConnManager()
	server, _ := acceptPair(t)
	c := newConn(server, ModeBridge, "127.0.0.1")

	ctx, err := cm.Add(c)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}

	select {
	case <-ctx.Done():
		t.Fatal("context should not be cancelled yet")
	default:
	}

	cm.Remove(c)
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after remove, got %d", cm.Count())
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after remove")
	}

	if err := c.Send([]byte("late")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed after remove, got %v", err)
	}

	// Second remove is a no-op.
	cm.Remove(c)
}

func TestConnSendReachesPeer(t *testing.T) {
	cm := NewConnManager()
	server, client := acceptPair(t)
	c := newConn(server, ModeBridge, "127.0.0.1")
	if _, err := cm.Add(c); err != nil {
		t.Fatalf("add: %v", err)
	}
	defer cm.Remove(c)

	for _, msg := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := c.Send([]byte(msg)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if got := string(readFrame(t, client)); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestConnDeliverWrapsMessageFrame(t *testing.T) {
	cm := NewConnManager()
	server, client := acceptPair(t)
	c := newConn(server, ModeTopic, "127.0.0.1")
	if _, err := cm.Add(c); err != nil {
		t.Fatalf("add: %v", err)
	}
	defer cm.Remove(c)

	if err := c.Deliver("/topic/session/s1", []byte(`{"type":"screen-updated"}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := c.Deliver("/user/tablet-1/queue/reply", []byte(`{"type":"session-joined"}`)); err != nil {
		t.Fatalf("deliver reply: %v", err)
	}

	var f Frame
	if err := json.Unmarshal(readFrame(t, client), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Command != CommandMessage || f.Destination != "/topic/session/s1" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if string(f.Body) != `{"type":"screen-updated"}` {
		t.Errorf("body should be passed through verbatim, got %s", f.Body)
	}

	if err := json.Unmarshal(readFrame(t, client), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Destination != ReplyDestination {
		t.Errorf("reply should arrive on %s, got %s", ReplyDestination, f.Destination)
	}
}

func TestConnManagerSendBufferFull(t *testing.T) {
	cm := NewConnManager()

	// No write pump: the buffer only fills.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newConn(nil, ModeBridge, "")
	c.ctx = ctx
	c.cm = cm

	for i := 0; i < sendBufferSize; i++ {
		if err := c.Send([]byte("msg")); err != nil {
			t.Fatalf("send %d should have succeeded: %v", i, err)
		}
	}
	if err := c.Send([]byte("overflow")); !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("expected ErrSendBufferFull, got %v", err)
	}
	if got := cm.Stats().DroppedMessages; got != 1 {
		t.Errorf("expected 1 dropped message, got %d", got)
	}
}

func TestConnSendBeforeAdd(t *testing.T) {
	c := newConn(nil, ModeBridge, "")
	if err := c.Send([]byte("x")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}

func TestConnManagerMaxConns(t *testing.T) {
	cm := NewConnManager(WithMaxConns(1))

	s1, _ := acceptPair(t)
	s2, c2 := acceptPair(t)
	closed := readErr(c2)

	first := newConn(s1, ModeBridge, "a")
	if _, err := cm.Add(first); err != nil {
		t.Fatalf("first add: %v", err)
	}
	defer cm.Remove(first)

	if _, err := cm.Add(newConn(s2, ModeBridge, "b")); !errors.Is(err, errServerAtLimit) {
		t.Fatalf("expected errServerAtLimit, got %v", err)
	}
	if cm.Stats().Rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", cm.Stats().Rejected)
	}

	if err := <-closed; websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Errorf("expected StatusTryAgainLater, got %v", err)
	}
}

func TestConnManagerConcurrentSend(t *testing.T) {
	cm := NewConnManager()
	server, client := acceptPair(t)
	c := newConn(server, ModeBridge, "127.0.0.1")
	if _, err := cm.Add(c); err != nil {
		t.Fatalf("add: %v", err)
	}
	defer cm.Remove(c)

	const numMessages = 20
	var wg sync.WaitGroup
	for i := 0; i < numMessages; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Send([]byte(`{"type":"concurrent"}`))
		}()
	}
	wg.Wait()

	for i := 0; i < numMessages; i++ {
		readFrame(t, client)
	}
}

func TestConnManagerShutdown(t *testing.T) {
	cm := NewConnManager()
	server, client := acceptPair(t)
	c := newConn(server, ModeBridge, "127.0.0.1")
	if _, err := cm.Add(c); err != nil {
		t.Fatalf("add: %v", err)
	}
	closed := readErr(client)

	cm.Shutdown()
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after shutdown, got %d", cm.Count())
	}

	if err := <-closed; websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected StatusGoingAway, got %v", err)
	}

	late, lateClient := acceptPair(t)
	readErr(lateClient)
	if _, err := cm.Add(newConn(late, ModeBridge, "")); !errors.Is(err, errServerShutdown) {
		t.Fatalf("expected errServerShutdown, got %v", err)
	}
}

func TestConnManagerReapIdle(t *testing.T) {
	cm := NewConnManager()
	cm.idleTTL = 50 * time.Millisecond

	server, client := acceptPair(t)
	c := newConn(server, ModeBridge, "127.0.0.1")
	if _, err := cm.Add(c); err != nil {
		t.Fatalf("add: %v", err)
	}

	cm.mu.Lock()
	cm.conns[c].lastActive = time.Now().Add(-time.Second)
	cm.mu.Unlock()
	closed := readErr(client)

	cm.reapIdle()
	if cm.Count() != 0 {
		t.Fatalf("expected idle connection to be reaped, got %d", cm.Count())
	}
	if cm.Stats().IdleReaped != 1 {
		t.Errorf("expected IdleReaped=1, got %d", cm.Stats().IdleReaped)
	}

	if err := <-closed; websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("expected StatusPolicyViolation, got %v", err)
	}
}

func TestConnManagerConnsInfo(t *testing.T) {
	cm := NewConnManager()
	server, _ := acceptPair(t)
	c := newConn(server, ModeTopic, "10.0.0.9")
	if _, err := cm.Add(c); err != nil {
		t.Fatalf("add: %v", err)
	}
	defer cm.Remove(c)
	c.bind("s1", "teller-1", "teller-pc")

	infos := cm.Conns()
	if len(infos) != 1 {
		t.Fatalf("expected 1 conn info, got %d", len(infos))
	}
	info := infos[0]
	if info.ID != c.ID() || info.Mode != ModeTopic || info.Remote != "10.0.0.9" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.SessionID != "s1" || info.ParticipantID != "teller-1" {
		t.Errorf("identity not reported: %+v", info)
	}
}
