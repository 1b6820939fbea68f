// Package amqppush is a chatsync Transport over a RabbitMQ topic exchange.
//
// Room frames are published by the chat server with routing keys
// chat.<roomId>.<topic>. Each transport consumes through its own exclusive,
// auto-delete queue bound to chat.<roomId>.* for every subscribed room, and
// publishes client commands as cmd.<roomId>.<type>.
package amqppush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/haulbase/chatsync"
)

const (
	DefaultExchange = "chat.events"
	MaxDelay        = 60 * time.Second
)

// Config configures the AMQP transport.
type Config struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
	AutoReconnect bool
	Logger        *zerolog.Logger
}

func (c *Config) defaults() {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.Delay <= 0 {
		c.Delay = time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// RoomKey returns the binding key covering every topic of a room.
func RoomKey(roomID string) string {
	return "chat." + keyWord(roomID) + ".*"
}

// FrameKey returns the routing key of a room frame.
func FrameKey(roomID, topic string) string {
	return "chat." + keyWord(roomID) + "." + keyWord(topic)
}

// CommandKey returns the routing key of a client command.
func CommandKey(roomID, typ string) string {
	if roomID == "" {
		return "cmd." + keyWord(typ)
	}
	return "cmd." + keyWord(roomID) + "." + keyWord(typ)
}

// keyWord makes s a single routing-key word.
func keyWord(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(s)
}

// ParseFrameKey splits chat.<roomId>.<topic>.
func ParseFrameKey(key string) (roomID, topic string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "chat" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// DecodeDelivery turns a delivery body into a frame. Type and room missing
// from the body are taken from the routing key.
func DecodeDelivery(routingKey string, body []byte) (chatsync.Frame, error) {
	var f chatsync.Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return f, fmt.Errorf("decode delivery %s: %w", routingKey, err)
	}
	if roomID, topic, ok := ParseFrameKey(routingKey); ok {
		if f.Type == "" {
			f.Type = topic
		}
		if f.RoomID == "" {
			f.RoomID = roomID
		}
	}
	if f.Type == "" {
		return f, fmt.Errorf("delivery %s has no frame type", routingKey)
	}
	return f, nil
}

// DialWithRetry tries to connect with exponential backoff, capped at
// MaxDelay. It respects context cancellation.
func DialWithRetry(ctx context.Context, cfg Config, log zerolog.Logger) (*amqp.Connection, error) {
	var lastErr error

	for i := 1; i <= cfg.RetryAttempts; i++ {
		conn, err := amqp.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				log.Info().Int("attempt", i).Msg("rabbit connected")
			}
			return conn, nil
		}
		lastErr = err
		if i == cfg.RetryAttempts {
			break
		}

		sleep := cfg.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > MaxDelay {
			sleep = MaxDelay
		}
		log.Warn().Err(err).Int("attempt", i).Dur("sleep", sleep).Msg("rabbit dial failed")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", cfg.RetryAttempts, lastErr)
}

// Transport implements chatsync.Transport over AMQP.
type Transport struct {
	cfg Config
	log zerolog.Logger

	hmu     sync.RWMutex
	onFrame []func(chatsync.Frame)
	onState []func(chatsync.ConnectionState, error)

	mu          sync.Mutex
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	rooms       map[string]struct{}
	state       chatsync.ConnectionState
	intentional bool
	cancel      context.CancelFunc
}

var _ chatsync.Transport = (*Transport)(nil)

// New creates an AMQP transport. Call Connect to establish the connection.
func New(cfg Config) *Transport {
	cfg.defaults()
	return &Transport{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("transport", "amqp").Logger(),
		rooms: make(map[string]struct{}),
		state: chatsync.StateDisconnected,
	}
}

func (t *Transport) OnFrame(fn func(chatsync.Frame)) {
	t.hmu.Lock()
	t.onFrame = append(t.onFrame, fn)
	t.hmu.Unlock()
}

func (t *Transport) OnStateChange(fn func(chatsync.ConnectionState, error)) {
	t.hmu.Lock()
	t.onState = append(t.onState, fn)
	t.hmu.Unlock()
}

func (t *Transport) dispatch(f chatsync.Frame) {
	t.hmu.RLock()
	handlers := append([]func(chatsync.Frame){}, t.onFrame...)
	t.hmu.RUnlock()
	for _, fn := range handlers {
		fn(f)
	}
}

func (t *Transport) setState(s chatsync.ConnectionState, err error) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed {
		t.emit(s, err)
	}
}

func (t *Transport) emit(s chatsync.ConnectionState, err error) {
	t.hmu.RLock()
	handlers := append([]func(chatsync.ConnectionState, error){}, t.onState...)
	t.hmu.RUnlock()
	for _, fn := range handlers {
		fn(s, err)
	}
}

// State returns the current connection state.
func (t *Transport) State() chatsync.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the broker, declares the exchange and a private queue,
// binds every tracked room and starts consuming.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.intentional = false
	t.mu.Unlock()
	return t.connect(ctx)
}

func (t *Transport) connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == chatsync.StateConnected || t.state == chatsync.StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = chatsync.StateConnecting
	t.mu.Unlock()
	t.emit(chatsync.StateConnecting, nil)

	if err := t.open(ctx); err != nil {
		t.setState(chatsync.StateError, err)
		return err
	}
	t.setState(chatsync.StateConnected, nil)
	return nil
}

func (t *Transport) open(ctx context.Context) error {
	conn, err := DialWithRetry(ctx, t.cfg, t.log)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare("chatsync."+uuid.NewString(), false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}

	t.mu.Lock()
	rooms := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		rooms = append(rooms, id)
	}
	t.mu.Unlock()
	for _, roomID := range rooms {
		if err := ch.QueueBind(q.Name, RoomKey(roomID), t.cfg.Exchange, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("bind %s: %w", roomID, err)
		}
	}

	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("consume: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.intentional {
		t.mu.Unlock()
		cancel()
		conn.Close()
		return errors.New("amqp transport disconnected")
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.conn, t.ch, t.queue, t.cancel = conn, ch, q.Name, cancel
	t.mu.Unlock()

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go t.consume(loopCtx, msgs)
	go t.watch(loopCtx, conn, closeCh)
	return nil
}

func (t *Transport) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			f, err := DecodeDelivery(d.RoutingKey, d.Body)
			if err != nil {
				t.log.Warn().Err(err).Str("key", d.RoutingKey).Msg("dropping delivery")
				continue
			}
			t.dispatch(f)
		}
	}
}

// watch waits for connection loss and reconnects unless the close was
// requested.
func (t *Transport) watch(ctx context.Context, conn *amqp.Connection, closeCh <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case <-ctx.Done():
		return
	case amqpErr = <-closeCh:
	}

	t.mu.Lock()
	if t.intentional || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn, t.ch = nil, nil
	t.mu.Unlock()

	var err error = errors.New("amqp connection closed")
	if amqpErr != nil {
		err = amqpErr
	}
	t.log.Error().Err(err).Msg("amqp connection closed, reconnecting")
	t.setState(chatsync.StateDisconnected, err)
	if !t.cfg.AutoReconnect {
		return
	}

	backoff := t.cfg.Delay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := t.connect(ctx); err == nil {
			return
		}
		wait := jittered(backoff, MaxDelay)
		t.log.Warn().Dur("retry_in", wait).Msg("reconnect failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if backoff*2 < MaxDelay {
			backoff *= 2
		}
	}
}

func jittered(base, max time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * 0.25
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > max {
		wait = max
	}
	return wait
}

// Disconnect closes the channel and connection without reconnecting.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.intentional = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	conn, ch := t.conn, t.ch
	t.conn, t.ch, t.queue = nil, nil, ""
	t.mu.Unlock()

	t.setState(chatsync.StateDisconnected, nil)
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Subscribe binds the room's frames to the private queue. While
// disconnected the room is only tracked.
func (t *Transport) Subscribe(ctx context.Context, roomID string) error {
	t.mu.Lock()
	t.rooms[roomID] = struct{}{}
	ch, queue := t.ch, t.queue
	t.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.QueueBind(queue, RoomKey(roomID), t.cfg.Exchange, false, nil)
}

// Unsubscribe unbinds the room.
func (t *Transport) Unsubscribe(ctx context.Context, roomID string) error {
	t.mu.Lock()
	delete(t.rooms, roomID)
	ch, queue := t.ch, t.queue
	t.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.QueueUnbind(queue, RoomKey(roomID), t.cfg.Exchange, nil)
}

// Publish sends a client command to the exchange.
func (t *Transport) Publish(ctx context.Context, cmd *chatsync.Command) error {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return chatsync.ErrNotConnected
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	id := cmd.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	return ch.PublishWithContext(ctx, t.cfg.Exchange, CommandKey(cmd.RoomID, cmd.Type), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   id,
		Timestamp:   time.Now(),
		Body:        body,
	})
}
