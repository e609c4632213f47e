package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"quiz-sync-relay/internal/domain"
)

const welcomeMessage = "Connected to quiz sync relay"

type WSConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
	}
}

type WSHandler struct {
	hub      *Hub
	config   WSConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, config WSConfig) *WSHandler {
	return &WSHandler{
		hub:    hub,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and keeps the connection registered with the
// hub until the client goes away.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := newClient()
	clients := h.hub.register(c)
	log.Info().Str("connection_id", c.id).Str("remote", r.RemoteAddr).Msg("websocket client connected")

	writerDone := make(chan struct{})
	go h.writePump(conn, c, writerDone)

	h.reply(c, domain.ConnectedMessage{Type: domain.EventConnected, Message: welcomeMessage, Clients: clients})
	h.readPump(conn, c)

	h.hub.unregister(c)
	<-writerDone
	log.Info().Str("connection_id", c.id).Dur("duration", time.Since(c.connectedAt)).Msg("websocket client disconnected")
}

func (h *WSHandler) reply(c *client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode reply")
		return
	}
	c.enqueue(data)
}

func (h *WSHandler) readPump(conn *websocket.Conn, c *client) {
	conn.SetReadLimit(h.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("websocket read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("connection_id", c.id).Msg("ignoring malformed websocket message")
			continue
		}

		switch env.Type {
		case domain.EventPing:
			h.reply(c, domain.PongMessage{Type: domain.EventPong, Timestamp: time.Now().UnixMilli()})
		case domain.EventSubscribe:
			var sub domain.SubscribeMessage
			if err := json.Unmarshal(data, &sub); err != nil {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("ignoring malformed subscribe")
				continue
			}
			c.subscribe(sub.QuestionID)
			h.reply(c, domain.SubscribedMessage{Type: domain.EventSubscribed, QuestionID: sub.QuestionID})
			log.Debug().
				Str("connection_id", c.id).
				Str("question_id", sub.QuestionID).
				Int("subscribers", h.hub.Subscriptions()[sub.QuestionID]).
				Msg("client subscribed")
		default:
			log.Debug().Str("connection_id", c.id).Str("type", env.Type).Msg("unknown message type")
		}
	}
}

// writePump is the only goroutine writing to conn.
func (h *WSHandler) writePump(conn *websocket.Conn, c *client, done chan<- struct{}) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		close(done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
