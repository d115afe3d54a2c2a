package pingr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ErrChannelClosed is returned by Send when the channel is not open.
// The channel does not buffer outbound sends; callers check IsAlive
// first or handle this error.
var ErrChannelClosed = errors.New("pingr: push channel not open")

// ChannelState is the push channel connection state.
type ChannelState string

const (
	ChannelClosed     ChannelState = "closed"
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the push channel. The zero value gives the
// conservative default: no reconnect, the channel closes and stays closed.
type ChannelConfig struct {
	// AutoReconnect enables jittered exponential backoff after an
	// unexpected disconnect. Off by default.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// SubscriberBuffer is the per-subscriber queue depth. A subscriber
	// that falls this far behind starts losing events (with a warning).
	SubscriberBuffer int

	Logger *log.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = 256
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute resets the backoff
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the persistent push connection. One per session: it owns
// the websocket, exposes liveness, the latest inbound event, ordered
// per-subscriber queues, and an outbound send.
type Channel struct {
	baseURL string
	token   string
	config  *ChannelConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	latest           *PushEvent
	subs             map[string]chan PushEvent
	cancelFn         context.CancelFunc
	recon            *reconnector
}

// DialChannel opens the push connection to baseURL's /ws endpoint. The
// credential travels as a query parameter because the websocket
// handshake cannot carry custom headers.
func DialChannel(ctx context.Context, baseURL, token string, config *ChannelConfig) (*Channel, error) {
	cfg := ChannelConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	ch := &Channel{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		config:  &cfg,
		state:   ChannelClosed,
		subs:    make(map[string]chan PushEvent),
		recon:   newReconnector(&cfg),
	}
	if err := ch.connect(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

func (ch *Channel) wsURL() string {
	u := strings.Replace(ch.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if ch.token != "" {
		u += "?jwt=" + ch.token
	}
	return u
}

func (ch *Channel) logf(format string, args ...interface{}) {
	if ch.config.Logger != nil {
		ch.config.Logger.Printf(format, args...)
	}
}

func (ch *Channel) connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == ChannelOpen || ch.state == ChannelConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.state = ChannelConnecting
	ch.intentionalClose = false
	ch.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ch.wsURL(), nil)
	if err != nil {
		ch.mu.Lock()
		ch.state = ChannelClosed
		ch.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	ch.mu.Lock()
	ch.conn = conn
	ch.state = ChannelOpen
	ch.cancelFn = cancel
	ch.mu.Unlock()
	ch.recon.markConnected()

	go ch.readLoop(connCtx, conn)
	return nil
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// IsAlive reports whether the channel is open. Only an open channel
// accepts sends.
func (ch *Channel) IsAlive() bool {
	return ch.State() == ChannelOpen
}

// LatestEvent returns the last successfully parsed inbound event, or
// nil before the first one. Single slot: a consumer that needs every
// event should Subscribe instead.
func (ch *Channel) LatestEvent() *PushEvent {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.latest
}

// Subscribe registers an ordered event queue. Events arrive in
// transport delivery order; the queue is closed on channel teardown.
// Unsubscribe with the returned id when done.
func (ch *Channel) Subscribe() (string, <-chan PushEvent) {
	id := uuid.NewString()
	c := make(chan PushEvent, ch.config.SubscriberBuffer)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.intentionalClose {
		close(c)
		return id, c
	}
	ch.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscriber and closes its queue.
func (ch *Channel) Unsubscribe(id string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if c, ok := ch.subs[id]; ok {
		delete(ch.subs, id)
		close(c)
	}
}

// Send writes a raw payload to the channel. Fails with
// ErrChannelClosed unless the channel is open; nothing is buffered.
func (ch *Channel) Send(ctx context.Context, data []byte) error {
	ch.mu.Lock()
	conn := ch.conn
	open := ch.state == ChannelOpen
	ch.mu.Unlock()

	if !open || conn == nil {
		return ErrChannelClosed
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// SendEvent marshals and sends a push event.
func (ch *Channel) SendEvent(ctx context.Context, msgType string, msgData interface{}) error {
	raw, err := json.Marshal(msgData)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	data, err := json.Marshal(PushEvent{MsgType: msgType, MsgData: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return ch.Send(ctx, data)
}

// Close tears the channel down. Idempotent; no events are delivered
// after it returns and all subscriber queues are closed.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.intentionalClose {
		ch.mu.Unlock()
		return nil
	}
	ch.intentionalClose = true
	conn := ch.conn
	ch.conn = nil
	cancel := ch.cancelFn
	ch.cancelFn = nil
	ch.state = ChannelClosed
	subs := ch.subs
	ch.subs = make(map[string]chan PushEvent)
	ch.mu.Unlock()

	for _, c := range subs {
		close(c)
	}

	// The close handshake runs while the read loop is still draining;
	// canceling first would abort the connection instead of closing it.
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// ============================================================================
// Read loop
// ============================================================================

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			if !intentional {
				ch.state = ChannelClosed
				ch.conn = nil
			}
			ch.mu.Unlock()
			if intentional {
				return
			}

			ch.logf("pingr: push channel disconnected: %v", err)
			if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
				ch.scheduleReconnect()
			}
			return
		}

		var event PushEvent
		if err := json.Unmarshal(data, &event); err != nil || event.MsgType == "" {
			// Malformed payloads never surface and never crash the client
			ch.logf("pingr: dropping unparseable push payload: %q", data)
			continue
		}

		ch.deliver(event)
	}
}

func (ch *Channel) deliver(event PushEvent) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.intentionalClose {
		return
	}
	e := event
	ch.latest = &e

	// Queues are only closed once unregistered, and unregistering
	// happens under mu, so the sends stay under it too; a snapshot sent
	// after unlocking could race a close and panic. The sends never
	// block.
	for _, c := range ch.subs {
		select {
		case c <- event:
		default:
			ch.logf("pingr: subscriber queue full, dropping %s event", event.MsgType)
		}
	}
}

func (ch *Channel) scheduleReconnect() {
	delay := ch.recon.nextDelay()
	ch.logf("pingr: reconnecting push channel in %s (attempt %d)", delay, ch.recon.attempt)
	time.Sleep(delay)

	ch.mu.Lock()
	if ch.intentionalClose {
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()

	if err := ch.connect(context.Background()); err != nil {
		if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
			ch.scheduleReconnect()
		}
	}
}
