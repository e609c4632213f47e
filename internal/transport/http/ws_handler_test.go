package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"quiz-sync-relay/internal/domain"
)

func dial(t *testing.T, tr *testRelay, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(tr.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readNext(t *testing.T, conn *websocket.Conn, expect string) map[string]any {
	t.Helper()
	var msg map[string]any
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg["type"] != expect {
		t.Fatalf("expected type %s, got %v", expect, msg["type"])
	}
	return msg
}

func TestWebSocketHandshakeAndPing(t *testing.T) {
	tr := newTestRelay(t)
	conn := dial(t, tr, "/ws")

	connected := readNext(t, conn, domain.EventConnected)
	if connected["clients"].(float64) != 1 {
		t.Fatalf("expected 1 client, got %v", connected["clients"])
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readNext(t, conn, domain.EventPong)
	if pong["timestamp"].(float64) <= 0 {
		t.Fatalf("expected pong timestamp, got %v", pong["timestamp"])
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "questionId": "q7"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	subscribed := readNext(t, conn, domain.EventSubscribed)
	if subscribed["questionId"] != "q7" {
		t.Fatalf("unexpected subscribed payload %v", subscribed)
	}
	if tr.hub.Subscriptions()["q7"] != 1 {
		t.Fatalf("expected subscription recorded")
	}
}

func TestWebSocketReceivesSubmissions(t *testing.T) {
	tr := newTestRelay(t)
	conn := dial(t, tr, "/")
	readNext(t, conn, domain.EventConnected)

	// garbage frames are ignored without dropping the connection
	_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))

	var result struct {
		Broadcast int `json:"broadcast"`
	}
	status := tr.post(t, "/api/submit-answer", `{"username":"amy","question_id":"q1","answer_value":"B","timestamp":42}`, &result)
	if status != http.StatusOK || result.Broadcast != 1 {
		t.Fatalf("unexpected submit response %d %+v", status, result)
	}

	msg := readNext(t, conn, domain.EventAnswerSubmitted)
	raw, _ := json.Marshal(msg)
	var got domain.AnswerSubmittedMessage
	_ = json.Unmarshal(raw, &got)
	if got.Username != "amy" || got.QuestionID != "q1" || got.AnswerValue != "B" || got.Timestamp != 42 {
		t.Fatalf("unexpected broadcast %+v", got)
	}

	tr.post(t, "/api/batch-submit", `{"answers":[{"username":"bob","question_id":"q1","answer_value":"A"}]}`, nil)
	batch := readNext(t, conn, domain.EventBatchSubmitted)
	if batch["count"].(float64) != 1 {
		t.Fatalf("unexpected batch broadcast %v", batch)
	}
}

func TestHubDropsOldestForSlowClient(t *testing.T) {
	hub := NewHub()
	c := newClient()
	hub.register(c)
	for i := 0; i < sendBuffer+5; i++ {
		if hub.Broadcast(map[string]int{"n": i}) != 1 {
			t.Fatalf("broadcast %d not accepted", i)
		}
	}
	first := <-c.send
	var msg map[string]int
	_ = json.Unmarshal(first, &msg)
	if msg["n"] != 5 {
		t.Fatalf("expected oldest frames dropped, first queued is %d", msg["n"])
	}

	hub.unregister(c)
	if hub.ClientCount() != 0 || hub.Broadcast("x") != 0 {
		t.Fatalf("expected no clients after unregister")
	}
}
