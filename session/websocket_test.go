package session

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
)

func TestWebSocketSession(t *testing.T) {
	m, _ := newTestManager(t, nil)
	messages := make(chan string, 1)
	m.OnConnection(func(s *Socket) {
		s.On("message", func(e *Event) { messages <- e.Data })
		s.Emit("welcome")
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := strings.CutPrefix(r.URL.Path, "/socket.io/1/websocket/"); ok {
			m.HandleClient(w, r, "websocket", id)
			return
		}
		m.HandleHandshake(w, r)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/socket.io/1/")
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Read handshake failed: %v", err)
	}
	id := strings.SplitN(string(body), ":", 2)[0]

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/1/websocket/" + id
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	for _, want := range []string{"1::", `5:::{"name":"welcome"}`} {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(msg) != want {
			t.Errorf("Expected %q, got %q", want, msg)
		}
	}

	if err := conn.WriteMessage(gws.TextMessage, []byte("3:::hi")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	select {
	case got := <-messages:
		if got != "hi" {
			t.Errorf("Expected hi, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Message listener was not called")
	}

	// the session is bound; a second websocket for it is refused
	if _, resp, err := gws.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Error("Expected second websocket to be refused")
	} else if resp != nil && resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}

	if m.Count() != 1 {
		t.Errorf("Expected one socket, got %d", m.Count())
	}
}
