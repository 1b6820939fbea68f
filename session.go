package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Session.
type Config struct {
	// Transport is the push channel. Required.
	Transport Transport
	// Backend serves history, sends and the room directory. Required.
	Backend Backend
	// Actor is the initial local identity. It may be set later with SetActor.
	Actor *Actor

	PageSize        int
	SupersedeWindow time.Duration
	// TypingTTL expires typing entries not refreshed in time. Negative
	// disables expiry.
	TypingTTL time.Duration
	// TypingInterval is the minimum spacing of outbound isTyping=true
	// indicators.
	TypingInterval time.Duration

	Logger     *zerolog.Logger
	Registerer prometheus.Registerer
	Clock      func() time.Time
	// NewClientID generates send correlation ids.
	NewClientID func() string
}

func (c *Config) defaults() {
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.SupersedeWindow == 0 {
		c.SupersedeWindow = DefaultSupersedeWindow
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 2 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewClientID == nil {
		c.NewClientID = uuid.NewString
	}
}

// ============================================================================
// Listener Events
// ============================================================================

// Session event names.
const (
	EventMessagesChanged = "messages.changed"
	EventTypingChanged   = "typing.changed"
	EventRoomClosed      = "room.closed"
	EventConnectionState = "connection.state"
	EventRoomsChanged    = "rooms.changed"
	EventFrameDropped    = "frame.dropped"
)

// MessagesChanged is the payload of EventMessagesChanged.
type MessagesChanged struct {
	RoomID string
	// Reason is one of seed, older, resync, append, supersede, send, read,
	// or revert.
	Reason  string
	Message *Message
}

// TypingChanged is the payload of EventTypingChanged.
type TypingChanged struct {
	RoomID  string
	Typists []Typist
}

// RoomClosure is the payload of EventRoomClosed.
type RoomClosure struct {
	RoomID string
	Reason string
}

// ConnectionStateChanged is the payload of EventConnectionState.
type ConnectionStateChanged struct {
	State ConnectionState
	Err   error
}

// RoomsChanged is the payload of EventRoomsChanged. RoomID is empty when the
// whole directory changed.
type RoomsChanged struct {
	RoomID string
}

// FrameDropped is the payload of EventFrameDropped.
type FrameDropped struct {
	Frame Frame
	Err   error
}

// Listener receives Session events.
type Listener func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	log       zerolog.Logger
}

// On registers a listener for an event. Listeners run on the goroutine that
// caused the event, never while Session state is locked.
func (e *emitter) On(event string, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]Listener)
	}
	e.listeners[event] = append(e.listeners[event], l)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Str("event", event).Interface("panic", r).Msg("listener panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

type notice struct {
	event   string
	payload any
}

type notices []notice

func (n *notices) add(event string, payload any) {
	*n = append(*n, notice{event: event, payload: payload})
}

func (e *emitter) flush(n notices) {
	for _, x := range n {
		e.emit(x.event, x.payload)
	}
}

// ============================================================================
// Session
// ============================================================================

// scope is a snapshot of the context an async operation started in. Its
// result is applied only while the snapshot is still current.
type scope struct {
	actorID string
	roomID  string
	epoch   uint64
	gen     uint64
}

// Session synchronizes the message list of one active room, the typing
// state and the room directory of one actor against a push transport and a
// request/response backend.
//
// All state is guarded by one mutex. Network calls happen outside it and
// re-validate their scope before applying results.
type Session struct {
	emitter

	cfg     Config
	tr      Transport
	backend Backend
	log     zerolog.Logger
	metrics *Metrics

	mu            sync.Mutex
	actor         *Actor
	epoch         uint64 // bumps on room switch and teardown
	gen           uint64 // bumps on identity change and teardown
	room          string
	subscribed    bool
	seeded        bool
	store         *MessageStore
	dir           *Directory
	typing        *TypingTracker
	typingLimit   *rate.Limiter
	state         ConnectionState
	everConnected bool
	opened        bool
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	sweepDone     chan struct{}
}

// NewSession creates a Session. Call Open before use.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("chatsync: config has no transport")
	}
	if cfg.Backend == nil {
		return nil, errors.New("chatsync: config has no backend")
	}
	cfg.defaults()

	log := cfg.Logger.With().Str("component", "chatsync").Logger()
	s := &Session{
		emitter: emitter{listeners: make(map[string][]Listener), log: log},
		cfg:     cfg,
		tr:      cfg.Transport,
		backend: cfg.Backend,
		log:     log,
		metrics: NewMetrics(cfg.Registerer),
		dir:     NewDirectory(),
		typing:  NewTypingTracker(cfg.TypingTTL),
		state:   StateDisconnected,
	}
	if cfg.Actor.Valid() {
		a := *cfg.Actor
		s.actor = &a
	}
	s.typingLimit = s.newTypingLimiter()
	return s, nil
}

func (s *Session) newTypingLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(s.cfg.TypingInterval), 1)
}

// Metrics returns the session's collectors.
func (s *Session) Metrics() *Metrics { return s.metrics }

// Open attaches the session to its transport and starts typing expiry.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.ctx, s.cancel, s.sweepDone = ctx, cancel, done
	s.mu.Unlock()

	s.tr.OnFrame(s.HandleFrame)
	s.tr.OnStateChange(s.handleState)
	go s.sweepLoop(ctx, done)
	return nil
}

// Close tears the session down. A closed session refuses every operation.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.sweepDone
	s.mu.Unlock()

	err := s.Teardown()
	if cancel != nil {
		cancel()
		<-done
	}
	return err
}

// Teardown unsubscribes the tracked room, disconnects the transport and
// clears every per-room, typing and directory state. Results of operations
// still in flight are discarded.
func (s *Session) Teardown() error {
	s.mu.Lock()
	s.epoch++
	s.gen++
	room, subscribed := s.room, s.subscribed
	s.room = ""
	s.subscribed = false
	s.seeded = false
	s.store = nil
	s.everConnected = false
	s.typing.Reset()
	s.dir.Reset()
	s.mu.Unlock()

	if subscribed {
		if err := s.tr.Unsubscribe(context.Background(), room); err != nil {
			s.log.Debug().Err(err).Str("room", room).Msg("unsubscribe on teardown")
		}
	}
	err := s.tr.Disconnect()

	var n notices
	if room != "" {
		n.add(EventMessagesChanged, MessagesChanged{RoomID: room, Reason: "seed"})
		n.add(EventTypingChanged, TypingChanged{RoomID: room})
	}
	n.add(EventRoomsChanged, RoomsChanged{})
	s.flush(n)
	return err
}

// SetActor changes the local identity. A different identity tears down all
// state first.
func (s *Session) SetActor(a *Actor) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	var next *Actor
	if a.Valid() {
		c := *a
		next = &c
	}
	same := s.actor != nil && next != nil && s.actor.ID == next.ID && s.actor.Type == next.Type
	if same {
		s.actor = next
		s.mu.Unlock()
		return nil
	}
	hadState := s.actor != nil || s.room != "" || s.dir.Len() > 0
	s.actor = next
	s.typingLimit = s.newTypingLimiter()
	s.mu.Unlock()

	if hadState {
		return s.Teardown()
	}
	return nil
}

// Actor returns a copy of the local identity, or nil.
func (s *Session) Actor() *Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actor == nil {
		return nil
	}
	a := *s.actor
	return &a
}

func (s *Session) scopeLocked() scope {
	sc := scope{roomID: s.room, epoch: s.epoch, gen: s.gen}
	if s.actor != nil {
		sc.actorID = s.actor.ID
	}
	return sc
}

// currentLocked reports whether a room-scoped snapshot still holds.
func (s *Session) currentLocked(sc scope) bool {
	return !s.closed && s.epoch == sc.epoch && s.identityLocked(sc) && s.room == sc.roomID
}

// identityLocked reports whether an identity-scoped snapshot still holds.
func (s *Session) identityLocked(sc scope) bool {
	return !s.closed && s.gen == sc.gen && s.actor != nil && s.actor.ID == sc.actorID
}

func (s *Session) stale(op string, sc scope) {
	s.metrics.StaleResults.WithLabelValues(op).Inc()
	s.log.Debug().Str("op", op).Str("room", sc.roomID).Msg("discarding stale result")
}

// checkLocked refuses operations on a closed session or without an actor.
func (s *Session) checkLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.actor == nil {
		return ErrNoActor
	}
	return nil
}

// ============================================================================
// Room Subscription
// ============================================================================

// SelectRoom makes roomID the active room with its panel open: the previous
// room is unsubscribed, the transport connected if needed, the room
// subscribed and its history seeded. Selecting the room that is already
// subscribed on a connected transport only reopens the panel.
func (s *Session) SelectRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrUnknownRoom
	}
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	var n notices
	if s.room == roomID && s.subscribed && s.seeded && s.state == StateConnected {
		s.dir.SetActive(roomID, true)
		if s.dir.ResetUnread(roomID) {
			n.add(EventRoomsChanged, RoomsChanged{RoomID: roomID})
		}
		s.mu.Unlock()
		s.flush(n)
		return nil
	}

	prev, prevSubscribed := s.room, s.subscribed
	resubscribe := prev != roomID || !s.subscribed
	if prev != roomID {
		s.epoch++
		s.room = roomID
		s.subscribed = false
		s.seeded = false
		s.store = s.newStore(roomID)
		if s.typing.Clear(prev) {
			n.add(EventTypingChanged, TypingChanged{RoomID: prev})
		}
	}
	s.dir.SetActive(roomID, true)
	if s.dir.ResetUnread(roomID) {
		n.add(EventRoomsChanged, RoomsChanged{RoomID: roomID})
	}
	sc := s.scopeLocked()
	s.mu.Unlock()
	s.flush(n)

	if prev != "" && prev != roomID && prevSubscribed {
		if err := s.tr.Unsubscribe(ctx, prev); err != nil {
			s.log.Warn().Err(err).Str("room", prev).Msg("unsubscribe previous room")
		}
	}

	if s.tr.State() != StateConnected {
		if err := s.tr.Connect(ctx); err != nil {
			s.abandon(sc)
			return fmt.Errorf("connect: %w", err)
		}
	}

	if resubscribe {
		if err := s.tr.Subscribe(ctx, roomID); err != nil {
			s.abandon(sc)
			return fmt.Errorf("subscribe %s: %w", roomID, err)
		}
		s.mu.Lock()
		if !s.currentLocked(sc) {
			s.mu.Unlock()
			s.stale("subscribe", sc)
			if err := s.tr.Unsubscribe(context.Background(), roomID); err != nil {
				s.log.Debug().Err(err).Str("room", roomID).Msg("unsubscribe stale room")
			}
			return nil
		}
		s.subscribed = true
		s.mu.Unlock()
	}

	return s.seed(ctx, sc, "seed")
}

// seed fetches the newest history page and replaces the room's store.
func (s *Session) seed(ctx context.Context, sc scope, reason string) error {
	var known map[string]struct{}
	s.mu.Lock()
	if s.currentLocked(sc) && s.store != nil {
		known = s.store.IDs()
	}
	s.mu.Unlock()

	page, err := s.backend.FetchHistory(ctx, sc.roomID, s.cfg.PageSize, "")
	if err != nil {
		s.log.Error().Err(err).Str("room", sc.roomID).Msg("fetch history")
		return fmt.Errorf("fetch history %s: %w", sc.roomID, err)
	}

	s.mu.Lock()
	if !s.currentLocked(sc) || s.store == nil {
		s.mu.Unlock()
		s.stale(reason, sc)
		return nil
	}
	if carried := s.store.ReseedPage(page, known); carried > 0 {
		s.log.Debug().Str("room", sc.roomID).Int("carried", carried).Msg("kept messages pushed during fetch")
	}
	s.seeded = true
	s.mu.Unlock()

	s.emit(EventMessagesChanged, MessagesChanged{RoomID: sc.roomID, Reason: reason})
	return nil
}

// abandon stops tracking a room whose subscription failed, if it is still
// the tracked room.
func (s *Session) abandon(sc scope) {
	s.mu.Lock()
	if !s.currentLocked(sc) {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.room = ""
	s.subscribed = false
	s.seeded = false
	s.store = nil
	s.mu.Unlock()

	s.emit(EventMessagesChanged, MessagesChanged{RoomID: sc.roomID, Reason: "seed"})
}

func (s *Session) newStore(roomID string) *MessageStore {
	st := NewMessageStore(roomID)
	st.window = s.cfg.SupersedeWindow
	return st
}

// ClosePanel keeps the active room subscribed but marks its panel closed, so
// new arrivals count as unread.
func (s *Session) ClosePanel() {
	s.mu.Lock()
	active, _ := s.dir.Active()
	s.dir.SetActive(active, false)
	s.mu.Unlock()
}

// LoadOlder fetches the page before the oldest held message of the active
// room and prepends it. It reports whether still older history exists.
func (s *Session) LoadOlder(ctx context.Context, roomID string) (bool, error) {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if s.store == nil || s.room != roomID {
		s.mu.Unlock()
		return false, ErrUnknownRoom
	}
	before := ""
	if m, ok := s.store.Oldest(); ok {
		before = m.ID
	}
	sc := s.scopeLocked()
	s.mu.Unlock()

	page, err := s.backend.FetchHistory(ctx, roomID, s.cfg.PageSize, before)
	if err != nil {
		return false, fmt.Errorf("fetch older history %s: %w", roomID, err)
	}

	s.mu.Lock()
	if !s.currentLocked(sc) || s.store == nil {
		s.mu.Unlock()
		s.stale("older", sc)
		return false, nil
	}
	s.store.PrependPage(page)
	more := s.store.HasMore()
	s.mu.Unlock()

	s.emit(EventMessagesChanged, MessagesChanged{RoomID: roomID, Reason: "older"})
	return more, nil
}

// JoinRoom claims a support room on the server, opens it and seeds its
// history. On any failure the directory entry and the active room selection
// are restored and the error is returned.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	saved := s.dir.save(roomID)
	prevRoom := s.room
	sc := s.scopeLocked()
	s.mu.Unlock()

	room, err := s.backend.JoinRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}

	s.mu.Lock()
	if !s.identityLocked(sc) {
		s.mu.Unlock()
		s.stale("join", sc)
		return nil
	}
	joined := *room
	if joined.ID == "" {
		joined.ID = roomID
	}
	if joined.Type == "" || joined.Type == RoomSupport {
		joined.Type = RoomSupported
	}
	if saved.present && joined.CreatedAt == 0 {
		joined.CreatedAt = saved.room.CreatedAt
	}
	s.dir.Put(joined)
	s.mu.Unlock()
	s.emit(EventRoomsChanged, RoomsChanged{RoomID: roomID})

	if err := s.SelectRoom(ctx, roomID); err != nil {
		s.mu.Lock()
		restored := s.identityLocked(sc)
		if restored {
			s.dir.restore(roomID, saved)
		}
		s.mu.Unlock()
		if restored {
			s.emit(EventRoomsChanged, RoomsChanged{RoomID: roomID})
			if prevRoom != "" && prevRoom != roomID {
				if rerr := s.SelectRoom(ctx, prevRoom); rerr != nil {
					s.log.Warn().Err(rerr).Str("room", prevRoom).Msg("reselect previous room")
				}
				s.mu.Lock()
				if s.identityLocked(sc) {
					s.dir.SetActive(saved.active, saved.open)
				}
				s.mu.Unlock()
			}
		}
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	return nil
}

// ============================================================================
// Sending
// ============================================================================

// Send posts content to a room as the local actor.
//
// A provisional message is shown in the active room immediately. With a
// connected transport the message is published and its echo confirms it;
// otherwise, or when publishing fails, it is sent over the backend and the
// returned message confirms it. The returned message is the provisional one
// in the first case and the persisted one in the second.
func (s *Session) Send(ctx context.Context, roomID, content string) (Message, error) {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	if r, ok := s.dir.Get(roomID); ok && r.Status == RoomClosed {
		s.mu.Unlock()
		return Message{}, ErrRoomClosed
	}

	now := s.cfg.Clock().UnixMilli()
	clientID := s.cfg.NewClientID()
	prov := Message{
		ClientID:   clientID,
		RoomID:     roomID,
		SenderID:   s.actor.ID,
		SenderName: s.actor.Name,
		SenderType: s.actor.Type,
		Content:    content,
		SentAt:     Timestamp(now),
	}
	local := s.store != nil && s.store.RoomID() == roomID
	prov.ID = s.provisionalIDLocked(now)
	if local {
		s.store.Append(prov)
	}
	connected := s.subscribed && s.room == roomID && s.state == StateConnected
	sc := s.scopeLocked()
	s.mu.Unlock()

	if local {
		p := prov
		s.emit(EventMessagesChanged, MessagesChanged{RoomID: roomID, Reason: "send", Message: &p})
	}

	payload := SendPayload{
		Content:    content,
		SenderID:   prov.SenderID,
		SenderName: prov.SenderName,
		SenderType: prov.SenderType,
		ClientID:   clientID,
	}

	if connected {
		err := s.tr.Publish(ctx, &Command{Type: CommandSend, RoomID: roomID, Payload: payload, RequestID: clientID})
		if err == nil {
			return prov, nil
		}
		s.log.Warn().Err(err).Str("room", roomID).Msg("publish failed, sending over backend")
	}

	msg, err := s.backend.SendMessage(ctx, roomID, payload)
	if err != nil {
		s.revert(sc, prov, local)
		return Message{}, fmt.Errorf("send to %s: %w", roomID, err)
	}
	confirmed := *msg
	if confirmed.RoomID == "" {
		confirmed.RoomID = roomID
	}
	if confirmed.ClientID == "" {
		confirmed.ClientID = clientID
	}

	s.mu.Lock()
	if !s.identityLocked(sc) {
		s.mu.Unlock()
		s.stale("send", sc)
		return confirmed, nil
	}
	var n notices
	if s.store != nil && s.store.RoomID() == roomID && s.epoch == sc.epoch {
		outcome := s.store.Append(confirmed)
		s.metrics.Merges.WithLabelValues(string(outcome)).Inc()
		if outcome != OutcomeDuplicate {
			c := confirmed
			n.add(EventMessagesChanged, MessagesChanged{RoomID: roomID, Reason: string(outcome), Message: &c})
		}
	}
	if s.dir.NoteMessage(confirmed, s.actor.ID) {
		n.add(EventRoomsChanged, RoomsChanged{RoomID: roomID})
	}
	s.mu.Unlock()
	s.flush(n)
	return confirmed, nil
}

// provisionalIDLocked returns temp-<millis>, suffixed when that id is taken.
func (s *Session) provisionalIDLocked(now int64) string {
	id := ProvisionalPrefix + strconv.FormatInt(now, 10)
	if s.store == nil {
		return id
	}
	for i := 2; s.store.Has(id); i++ {
		id = ProvisionalPrefix + strconv.FormatInt(now, 10) + "-" + strconv.Itoa(i)
	}
	return id
}

// revert removes a provisional message whose send failed.
func (s *Session) revert(sc scope, prov Message, local bool) {
	if !local {
		return
	}
	s.mu.Lock()
	removed := s.currentLocked(sc) && s.store != nil && s.store.Remove(prov.ID)
	s.mu.Unlock()
	if removed {
		s.emit(EventMessagesChanged, MessagesChanged{RoomID: prov.RoomID, Reason: "revert", Message: &prov})
	}
}

// SetTyping publishes the local actor's typing state to a room. Repeated
// isTyping=true notices are throttled to one per TypingInterval; throttled
// calls return nil without publishing.
func (s *Session) SetTyping(ctx context.Context, roomID string, isTyping bool) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if isTyping && !s.typingLimit.Allow() {
		s.mu.Unlock()
		return nil
	}
	if !isTyping {
		s.typingLimit = s.newTypingLimiter()
	}
	ind := TypingIndicator{
		RoomID:     roomID,
		SenderID:   s.actor.ID,
		SenderName: s.actor.Name,
		SenderType: s.actor.Type,
		IsTyping:   isTyping,
	}
	s.mu.Unlock()

	return s.tr.Publish(ctx, &Command{Type: CommandTyping, RoomID: roomID, Payload: ind})
}

// MarkRead marks the other side's messages in the active room read, zeroes
// the room's unread count and, when connected, tells the other side.
func (s *Session) MarkRead(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	var n notices
	if s.store != nil && s.store.RoomID() == roomID && s.store.MarkRoomRead(s.actor.Type) {
		n.add(EventMessagesChanged, MessagesChanged{RoomID: roomID, Reason: "read"})
	}
	if s.dir.ResetUnread(roomID) {
		n.add(EventRoomsChanged, RoomsChanged{RoomID: roomID})
	}
	publish := s.subscribed && s.room == roomID && s.state == StateConnected
	rs := ReadStatus{
		RoomID:     roomID,
		ReaderID:   s.actor.ID,
		ReaderType: s.actor.Type,
		ReadAt:     Timestamp(s.cfg.Clock().UnixMilli()),
	}
	s.mu.Unlock()
	s.flush(n)

	if publish {
		if err := s.tr.Publish(ctx, &Command{Type: TopicReadStatus, RoomID: roomID, Payload: rs}); err != nil &&
			!errors.Is(err, ErrPublishUnsupported) {
			s.log.Debug().Err(err).Str("room", roomID).Msg("publish read status")
		}
	}
	return nil
}

// RefreshRooms fetches one category of rooms into the directory.
func (s *Session) RefreshRooms(ctx context.Context, category RoomCategory, rs RoomScope) ([]Room, error) {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sc := s.scopeLocked()
	s.mu.Unlock()

	rooms, err := s.backend.ListRooms(ctx, category, rs)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	s.mu.Lock()
	if !s.identityLocked(sc) {
		s.mu.Unlock()
		s.stale("rooms", sc)
		return nil, nil
	}
	s.dir.Load(rooms)
	out := s.dir.Rooms(category)
	s.mu.Unlock()

	s.emit(EventRoomsChanged, RoomsChanged{})
	return out, nil
}

// ============================================================================
// Accessors
// ============================================================================

// Messages returns the ordered message list of roomID if it is the active
// room, otherwise nil.
func (s *Session) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil || s.store.RoomID() != roomID {
		return nil
	}
	return s.store.Messages()
}

// HasMore reports whether older history exists for the active room.
func (s *Session) HasMore(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store != nil && s.store.RoomID() == roomID && s.store.HasMore()
}

// Typists returns who is typing in a room.
func (s *Session) Typists(roomID string) []Typist {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing.Typists(roomID)
}

// Rooms returns the directory rooms of a category, newest first. An empty
// category returns all rooms.
func (s *Session) Rooms(category RoomCategory) []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Rooms(category)
}

// Room returns one directory room.
func (s *Session) Room(roomID string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Get(roomID)
}

// ActiveRoom returns the active room id and whether its panel is open.
func (s *Session) ActiveRoom() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Active()
}

// State returns the last reported transport state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ============================================================================
// Inbound
// ============================================================================

// HandleFrame applies one pushed frame. Malformed frames are logged and
// dropped.
func (s *Session) HandleFrame(f Frame) {
	ev, err := ParseFrame(f)
	if err != nil {
		s.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
		s.log.Warn().Err(err).Str("topic", f.Type).Str("room", f.RoomID).Msg("dropping frame")
		s.emit(EventFrameDropped, FrameDropped{Frame: f, Err: err})
		return
	}
	s.Apply(ev)
}

// Apply applies one parsed event.
func (s *Session) Apply(ev Event) {
	s.mu.Lock()
	if s.closed || s.actor == nil {
		s.mu.Unlock()
		s.metrics.DroppedFrames.WithLabelValues("inactive").Inc()
		return
	}
	s.metrics.Frames.WithLabelValues(ev.Topic()).Inc()

	var n notices
	switch e := ev.(type) {
	case *MessageEvent:
		s.applyMessageLocked(e.Message, &n)
	case *TypingEvent:
		if s.typing.Apply(e.Indicator, s.actor.ID, s.actor.Type, s.cfg.Clock()) {
			roomID := e.Indicator.RoomID
			n.add(EventTypingChanged, TypingChanged{RoomID: roomID, Typists: s.typing.Typists(roomID)})
		}
	case *ReadStatusEvent:
		roomID := e.Status.RoomID
		if s.store != nil && s.store.RoomID() == roomID && s.store.ApplyReadStatus(e.Status.ReaderType, s.actor.Type) {
			n.add(EventMessagesChanged, MessagesChanged{RoomID: roomID, Reason: "read"})
		}
	case *ClosedEvent:
		if s.dir.SetStatus(e.RoomID, RoomClosed) {
			n.add(EventRoomsChanged, RoomsChanged{RoomID: e.RoomID})
		}
		if s.typing.Clear(e.RoomID) {
			n.add(EventTypingChanged, TypingChanged{RoomID: e.RoomID})
		}
		n.add(EventRoomClosed, RoomClosure{RoomID: e.RoomID, Reason: e.Reason})
	}
	s.mu.Unlock()
	s.flush(n)
}

func (s *Session) applyMessageLocked(m Message, n *notices) {
	if s.store != nil && s.store.RoomID() == m.RoomID {
		outcome := s.store.Append(m)
		s.metrics.Merges.WithLabelValues(string(outcome)).Inc()
		if outcome == OutcomeDuplicate {
			return
		}
		c := m
		n.add(EventMessagesChanged, MessagesChanged{RoomID: m.RoomID, Reason: string(outcome), Message: &c})
		if outcome == OutcomeSuperseded {
			if s.dir.NoteMessage(m, s.actor.ID) {
				n.add(EventRoomsChanged, RoomsChanged{RoomID: m.RoomID})
			}
			return
		}
	}
	if s.dir.NoteMessage(m, s.actor.ID) {
		n.add(EventRoomsChanged, RoomsChanged{RoomID: m.RoomID})
	}
}

// handleState follows transport state. A CONNECTED report after the
// transport had been connected before is a reconnect: the tracked room's
// history is refetched and replaces the store.
func (s *Session) handleState(st ConnectionState, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.metrics.setState(st)
	resync := st == StateConnected && prev != StateConnected && s.everConnected && s.subscribed && !s.closed
	if st == StateConnected {
		s.everConnected = true
	}
	sc := s.scopeLocked()
	ctx := s.ctx
	s.mu.Unlock()

	ev := s.log.Info()
	if st == StateError {
		ev = s.log.Error().Err(err)
	}
	ev.Str("state", string(st)).Msg("transport state")
	s.emit(EventConnectionState, ConnectionStateChanged{State: st, Err: err})

	if resync {
		if ctx == nil {
			ctx = context.Background()
		}
		s.metrics.Resyncs.Inc()
		if err := s.seed(ctx, sc, "resync"); err != nil {
			s.log.Error().Err(err).Str("room", sc.roomID).Msg("resync")
		}
	}
}

func (s *Session) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if s.cfg.TypingTTL < 0 {
		<-ctx.Done()
		return
	}
	interval := s.cfg.TypingTTL / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepTyping()
		}
	}
}

// SweepTyping expires typing entries older than the TTL.
func (s *Session) SweepTyping() {
	s.mu.Lock()
	var n notices
	for _, roomID := range s.typing.Sweep(s.cfg.Clock()) {
		n.add(EventTypingChanged, TypingChanged{RoomID: roomID, Typists: s.typing.Typists(roomID)})
	}
	s.mu.Unlock()
	s.flush(n)
}
