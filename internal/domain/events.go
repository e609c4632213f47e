package domain

import "encoding/json"

// Realtime message types exchanged over the relay websocket.
const (
	EventConnected       = "connected"
	EventPing            = "ping"
	EventPong            = "pong"
	EventSubscribe       = "subscribe"
	EventSubscribed      = "subscribed"
	EventAnswerSubmitted = "answer_submitted"
	EventBatchSubmitted  = "batch_submitted"
	EventRealtimeUpdate  = "realtime_update"
)

// Envelope is the minimal shape used to dispatch an inbound frame by type.
type Envelope struct {
	Type string `json:"type"`
}

type ConnectedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Clients int    `json:"clients"`
}

type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type SubscribeMessage struct {
	Type       string `json:"type"`
	QuestionID string `json:"questionId"`
}

type SubscribedMessage struct {
	Type       string `json:"type"`
	QuestionID string `json:"questionId"`
}

type AnswerSubmittedMessage struct {
	Type        string `json:"type"`
	Username    string `json:"username"`
	QuestionID  string `json:"question_id"`
	AnswerValue string `json:"answer_value"`
	Timestamp   int64  `json:"timestamp"`
}

func NewAnswerSubmittedMessage(rec AnswerRecord) AnswerSubmittedMessage {
	return AnswerSubmittedMessage{
		Type:        EventAnswerSubmitted,
		Username:    rec.Username,
		QuestionID:  rec.QuestionID,
		AnswerValue: rec.Value,
		Timestamp:   rec.Timestamp,
	}
}

type BatchSubmittedMessage struct {
	Type      string `json:"type"`
	Count     int    `json:"count"`
	Timestamp int64  `json:"timestamp"`
}

type RealtimeUpdateMessage struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// ChangeKind mirrors the row-level operation reported by the shared store.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// ChangeEvent is an upstream notification that a stored answer changed.
// Origin identifies the relay instance that produced it.
type ChangeEvent struct {
	Origin    string       `json:"origin"`
	Kind      ChangeKind   `json:"kind"`
	Record    AnswerRecord `json:"record"`
	Timestamp int64        `json:"timestamp"`
}
