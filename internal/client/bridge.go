package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"quiz-sync-relay/internal/domain"
)

const (
	DefaultPingInterval   = 30 * time.Second
	DefaultReconnectDelay = 5 * time.Second
)

// Conn is the subset of *websocket.Conn the bridge uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the relay with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// WebsocketURL turns the relay base URL into its websocket endpoint.
func WebsocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

type BridgeState int

const (
	StateDisconnected BridgeState = iota
	StateConnecting
	StateConnected
)

func (s BridgeState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// BridgeHandlers receive validated realtime events. Nil handlers are skipped.
type BridgeHandlers struct {
	OnAnswer   func(rec domain.AnswerRecord)
	OnBatch    func(count int)
	OnRealtime func(event string, data json.RawMessage)
}

type BridgeConfig struct {
	URL            string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
}

// Bridge keeps one websocket to the relay alive. A transport close or error
// arms exactly one reconnect after ReconnectDelay; a successful connect
// cancels any pending one. Close stops the keepalive and the reconnect timer.
type Bridge struct {
	cfg      BridgeConfig
	dialer   Dialer
	clock    clockwork.Clock
	handlers BridgeHandlers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu               sync.Mutex
	state            BridgeState
	conn             Conn
	gen              uint64
	closed           bool
	keepaliveStop    chan struct{}
	reconnectTimer   clockwork.Timer
	reconnectPending bool
	subscriptions    []string
}

func NewBridge(cfg BridgeConfig, dialer Dialer, clock clockwork.Clock, handlers BridgeHandlers) *Bridge {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:      cfg,
		dialer:   dialer,
		clock:    clock,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *Bridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) ReconnectPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnectPending
}

// Connect dials the relay. On failure a reconnect is scheduled and the dial
// error is returned wrapped in domain.ErrRelayUnavailable.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.ErrBridgeClosed
	}
	if b.state != StateDisconnected {
		b.mu.Unlock()
		return nil
	}
	b.state = StateConnecting
	b.mu.Unlock()

	conn, err := b.dialer.Dial(ctx, b.cfg.URL)

	b.mu.Lock()
	if b.closed {
		b.state = StateDisconnected
		b.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return domain.ErrBridgeClosed
	}
	if err != nil {
		b.state = StateDisconnected
		log.Warn().Err(err).Str("url", b.cfg.URL).Msg("relay websocket dial failed")
		b.scheduleReconnectLocked()
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
	}

	b.state = StateConnected
	b.conn = conn
	b.gen++
	b.cancelReconnectLocked()
	b.startKeepaliveLocked(conn)

	gen := b.gen
	b.wg.Add(1)
	go b.readLoop(conn, gen)
	subs := append([]string(nil), b.subscriptions...)
	b.mu.Unlock()

	log.Info().Str("url", b.cfg.URL).Msg("relay websocket connected")
	for _, questionID := range subs {
		if err := b.write(conn, subscribeMessage(questionID)); err != nil {
			log.Warn().Err(err).Str("question_id", questionID).Msg("resubscribe failed")
		}
	}
	return nil
}

func subscribeMessage(questionID string) domain.SubscribeMessage {
	return domain.SubscribeMessage{Type: domain.EventSubscribe, QuestionID: questionID}
}

// Subscribe notes interest in a question. The subscription is sent now when
// connected and again after every reconnect.
func (b *Bridge) Subscribe(questionID string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.ErrBridgeClosed
	}
	known := false
	for _, q := range b.subscriptions {
		if q == questionID {
			known = true
			break
		}
	}
	if !known {
		b.subscriptions = append(b.subscriptions, questionID)
	}
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	return b.write(conn, subscribeMessage(questionID))
}

func (b *Bridge) write(conn Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) startKeepaliveLocked(conn Conn) {
	b.stopKeepaliveLocked()
	stop := make(chan struct{})
	b.keepaliveStop = stop
	ticker := b.clock.NewTicker(b.cfg.PingInterval)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ticker.Stop()
		ping, _ := json.Marshal(domain.Envelope{Type: domain.EventPing})
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				b.writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, ping)
				b.writeMu.Unlock()
				if err != nil {
					// the read loop observes the broken transport and reconnects
					log.Debug().Err(err).Msg("keepalive ping failed")
				}
			}
		}
	}()
}

func (b *Bridge) stopKeepaliveLocked() {
	if b.keepaliveStop != nil {
		close(b.keepaliveStop)
		b.keepaliveStop = nil
	}
}

func (b *Bridge) scheduleReconnectLocked() {
	if b.closed || b.reconnectPending {
		return
	}
	b.reconnectPending = true
	b.reconnectTimer = b.clock.AfterFunc(b.cfg.ReconnectDelay, func() {
		b.mu.Lock()
		if !b.reconnectPending || b.closed {
			b.mu.Unlock()
			return
		}
		b.reconnectPending = false
		b.reconnectTimer = nil
		b.mu.Unlock()

		log.Info().Msg("attempting relay websocket reconnection")
		_ = b.Connect(b.ctx)
	})
	log.Debug().Dur("delay", b.cfg.ReconnectDelay).Msg("reconnect scheduled")
}

func (b *Bridge) cancelReconnectLocked() {
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	b.reconnectPending = false
}

func (b *Bridge) readLoop(conn Conn, gen uint64) {
	defer b.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.handleDisconnect(gen, err)
			return
		}
		b.dispatch(data)
	}
}

func (b *Bridge) handleDisconnect(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.state != StateConnected {
		return
	}
	b.stopKeepaliveLocked()
	_ = b.conn.Close()
	b.conn = nil
	b.state = StateDisconnected
	if b.closed {
		return
	}
	log.Warn().Err(err).Msg("relay websocket disconnected")
	b.scheduleReconnectLocked()
}

func (b *Bridge) dispatch(data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Msg("websocket message parse error")
		return
	}
	switch env.Type {
	case domain.EventConnected:
		var msg domain.ConnectedMessage
		_ = json.Unmarshal(data, &msg)
		log.Info().Str("message", msg.Message).Int("clients", msg.Clients).Msg("relay welcome")
	case domain.EventAnswerSubmitted:
		rec, err := decodeAnswerSubmitted(data)
		if err != nil {
			log.Warn().Err(err).RawJSON("payload", data).Msg("dropping incomplete answer_submitted")
			return
		}
		if b.handlers.OnAnswer != nil {
			b.handlers.OnAnswer(rec)
		}
	case domain.EventBatchSubmitted:
		var msg domain.BatchSubmittedMessage
		_ = json.Unmarshal(data, &msg)
		log.Info().Int("count", msg.Count).Msg("batch update announced")
		if b.handlers.OnBatch != nil {
			b.handlers.OnBatch(msg.Count)
		}
	case domain.EventRealtimeUpdate:
		var msg domain.RealtimeUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("dropping malformed realtime_update")
			return
		}
		if b.handlers.OnRealtime != nil {
			b.handlers.OnRealtime(msg.Event, msg.Data)
		}
	case domain.EventPong, domain.EventSubscribed:
	default:
		log.Debug().Str("type", env.Type).Msg("unknown websocket message type")
	}
}

// decodeAnswerSubmitted requires username, question_id, answer_value and
// timestamp to be present before an event is passed on.
func decodeAnswerSubmitted(data []byte) (domain.AnswerRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return domain.AnswerRecord{}, err
	}
	var rec domain.AnswerRecord
	if err := json.Unmarshal(fields["username"], &rec.Username); err != nil || rec.Username == "" {
		return domain.AnswerRecord{}, fmt.Errorf("%w: missing username", domain.ErrInvalidAnswer)
	}
	if err := json.Unmarshal(fields["question_id"], &rec.QuestionID); err != nil || rec.QuestionID == "" {
		return domain.AnswerRecord{}, fmt.Errorf("%w: missing question_id", domain.ErrInvalidAnswer)
	}
	value, ok := fields["answer_value"]
	if !ok {
		return domain.AnswerRecord{}, fmt.Errorf("%w: missing answer_value", domain.ErrInvalidAnswer)
	}
	rec.Value = domain.ScalarString(value)
	rawTS, ok := fields["timestamp"]
	if !ok {
		return domain.AnswerRecord{}, fmt.Errorf("%w: missing timestamp", domain.ErrInvalidAnswer)
	}
	var ts domain.Timestamp
	if err := json.Unmarshal(rawTS, &ts); err != nil {
		return domain.AnswerRecord{}, err
	}
	rec.Timestamp = ts.Millis()
	return rec, nil
}

// Close tears the bridge down for good and waits for its goroutines.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancelReconnectLocked()
	b.stopKeepaliveLocked()
	conn := b.conn
	b.conn = nil
	b.state = StateDisconnected
	b.mu.Unlock()

	b.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}
