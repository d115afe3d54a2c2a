package pingr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// ============================================================================
// Conversation synchronizer
// ============================================================================

// Synchronizer reconciles the initial partner fetch, cache-first
// thread loads, and inbound push events into one
// consistent view: the open thread, the background thread caches, and
// the partner ordering. All state is constructor-injected; nothing is
// package-global.
type Synchronizer struct {
	client *Client
	store  Store
	userID int
	logger *log.Logger

	mu          sync.Mutex
	channel     *Channel
	partners    []User
	openPartner *User
	thread      []Message
	generation  int

	onThread       []func([]Message)
	onPartners     []func([]User)
	onUnauthorized []func()
}

// NewSynchronizer creates a synchronizer for the given authenticated
// user. logger may be nil.
func NewSynchronizer(client *Client, store Store, userID int, logger *log.Logger) *Synchronizer {
	return &Synchronizer{
		client: client,
		store:  store,
		userID: userID,
		logger: logger,
	}
}

func (s *Synchronizer) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// AttachChannel wires the push channel used by SendText.
func (s *Synchronizer) AttachChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ch
}

// UserID returns the current user's id.
func (s *Synchronizer) UserID() int {
	return s.userID
}

// ============================================================================
// View subscriptions
// ============================================================================

// OnThread registers a callback for open-thread changes. The slice is a
// copy; callbacks run on the goroutine that caused the change.
func (s *Synchronizer) OnThread(fn func([]Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onThread = append(s.onThread, fn)
}

// OnPartners registers a callback for partner-order changes.
func (s *Synchronizer) OnPartners(fn func([]User)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPartners = append(s.onPartners, fn)
}

// OnUnauthorized registers a callback for credential rejection
// discovered mid-session; the caller routes to the login flow.
func (s *Synchronizer) OnUnauthorized(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnauthorized = append(s.onUnauthorized, fn)
}

func (s *Synchronizer) notifyThread() {
	s.mu.Lock()
	thread := append([]Message(nil), s.thread...)
	handlers := make([]func([]Message), len(s.onThread))
	copy(handlers, s.onThread)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(thread)
	}
}

func (s *Synchronizer) notifyPartners() {
	s.mu.Lock()
	partners := append([]User(nil), s.partners...)
	handlers := make([]func([]User), len(s.onPartners))
	copy(handlers, s.onPartners)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(partners)
	}
}

func (s *Synchronizer) notifyUnauthorized() {
	s.mu.Lock()
	handlers := make([]func(), len(s.onUnauthorized))
	copy(handlers, s.onUnauthorized)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// ============================================================================
// Initial loads
// ============================================================================

// LoadPartners populates the partner list, session cache first, then
// the gateway. The cached ordering is a session-lifetime snapshot that
// push events fold forward; a partner added server-side mid-session
// only shows up through its own messages or a RefreshPartners call.
// Returns ErrUnauthorized when the credential is rejected.
func (s *Synchronizer) LoadPartners(ctx context.Context) error {
	var cached []User
	if GetJSON(s.store, ScopeSession, KeyChatPartners, &cached) {
		s.mu.Lock()
		s.partners = cached
		s.mu.Unlock()
		s.notifyPartners()
		return nil
	}
	return s.RefreshPartners(ctx)
}

// RefreshPartners fetches the partner list from the gateway, replacing
// any cached snapshot.
func (s *Synchronizer) RefreshPartners(ctx context.Context) error {
	res, err := s.client.ChatPartners(ctx)
	if err != nil {
		return err
	}
	if res.Unauthorized() {
		s.notifyUnauthorized()
		return ErrUnauthorized
	}
	if !res.OK {
		return fmt.Errorf("fetch chat partners: %s (status %d)", res.Message, res.Status)
	}

	var data PartnersData
	if err := res.Decode(&data); err != nil {
		return fmt.Errorf("decode chat partners: %w", err)
	}

	s.mu.Lock()
	s.partners = data.Partners
	s.mu.Unlock()
	SetJSON(s.store, ScopeSession, KeyChatPartners, data.Partners)
	s.notifyPartners()
	return nil
}

// Partners returns the current partner ordering, most recent first.
func (s *Synchronizer) Partners() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]User(nil), s.partners...)
}

// OpenPartner returns the partner of the open conversation, or nil.
func (s *Synchronizer) OpenPartner() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openPartner == nil {
		return nil
	}
	p := *s.openPartner
	return &p
}

// OpenConversation makes partner's thread the visible one and loads it,
// session cache first, then the gateway (populating the cache). The
// choice is remembered in the durable scope. A load that resolves after
// the open conversation has changed again is discarded.
func (s *Synchronizer) OpenConversation(ctx context.Context, partner User) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	p := partner
	s.openPartner = &p
	s.thread = nil
	s.mu.Unlock()

	SetJSON(s.store, ScopeDurable, KeyOpenedPartner, partner)

	var cached []Message
	if GetJSON(s.store, ScopeSession, MessagesKey(partner.ID), &cached) {
		s.commitThread(gen, cached)
		return nil
	}

	res, err := s.client.Messages(ctx, partner.ID)
	if err != nil {
		return err
	}
	if res.Unauthorized() {
		s.notifyUnauthorized()
		return ErrUnauthorized
	}
	if !res.OK {
		return fmt.Errorf("fetch messages for partner %d: %s (status %d)", partner.ID, res.Message, res.Status)
	}

	var data MessagesData
	if err := res.Decode(&data); err != nil {
		return fmt.Errorf("decode messages: %w", err)
	}

	if s.commitThread(gen, data.Messages) {
		SetJSON(s.store, ScopeSession, MessagesKey(partner.ID), data.Messages)
	}
	return nil
}

// commitThread installs a loaded thread unless the open conversation
// moved on while the load was in flight.
func (s *Synchronizer) commitThread(gen int, msgs []Message) bool {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	s.thread = msgs
	s.mu.Unlock()
	s.notifyThread()
	return true
}

// CloseConversation drops the open conversation. Cached thread state is
// untouched; only the visible view resets.
func (s *Synchronizer) CloseConversation() {
	s.mu.Lock()
	s.generation++
	s.openPartner = nil
	s.thread = nil
	s.mu.Unlock()
	s.store.Delete(ScopeDurable, KeyOpenedPartner)
	s.notifyThread()
}

// LastOpenedPartner returns the partner remembered from a previous
// session, if any.
func (s *Synchronizer) LastOpenedPartner() *User {
	var u User
	if !GetJSON(s.store, ScopeDurable, KeyOpenedPartner, &u) {
		return nil
	}
	return &u
}

// Thread returns the open conversation's messages, newest first.
func (s *Synchronizer) Thread() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.thread...)
}

// ============================================================================
// Inbound events
// ============================================================================

// HandleEvent folds one inbound push event into the three mutation
// targets: the open thread, the background thread cache, and the
// partner ordering. Events other than chatMsgReceive leave every one of
// them untouched.
func (s *Synchronizer) HandleEvent(ctx context.Context, event PushEvent) {
	if event.MsgType != EventChatMsgReceive {
		return
	}
	msg, err := event.Msg()
	if err != nil {
		s.logf("pingr: dropping malformed %s payload: %v", event.MsgType, err)
		return
	}

	selfAuthored := msg.SenderID == s.userID
	otherID := msg.SenderID
	if selfAuthored {
		otherID = msg.ReceiverID
	}

	s.mu.Lock()
	openMatch := s.openPartner != nil && s.openPartner.ID == otherID
	if openMatch {
		// The only path that mutates visible message state. Arrival
		// order wins: prepend, never reorder by timestamp.
		s.thread = append([]Message{msg}, s.thread...)
		SetJSON(s.store, ScopeSession, MessagesKey(otherID), s.thread)
	}
	s.mu.Unlock()

	if openMatch {
		s.notifyThread()
	} else {
		s.updateBackgroundCache(ctx, otherID, msg)
	}

	s.promotePartner(ctx, otherID)
}

// updateBackgroundCache prepends msg to the cached thread of a
// conversation that is not open. An empty cache is seeded from the
// gateway first so the entry never silently omits history.
func (s *Synchronizer) updateBackgroundCache(ctx context.Context, otherID int, msg Message) {
	key := MessagesKey(otherID)

	var cached []Message
	if GetJSON(s.store, ScopeSession, key, &cached) {
		SetJSON(s.store, ScopeSession, key, append([]Message{msg}, cached...))
		return
	}

	res, err := s.client.Messages(ctx, otherID)
	if err != nil {
		s.logf("pingr: fetch history for partner %d: %v", otherID, err)
		return
	}
	if res.Unauthorized() {
		s.notifyUnauthorized()
		return
	}
	if !res.OK {
		s.logf("pingr: fetch history for partner %d: %s (status %d)", otherID, res.Message, res.Status)
		return
	}
	var data MessagesData
	if err := res.Decode(&data); err != nil {
		s.logf("pingr: decode history for partner %d: %v", otherID, err)
		return
	}
	SetJSON(s.store, ScopeSession, key, append([]Message{msg}, data.Messages...))
}

// promotePartner moves otherID to the head of the partner list. Already
// at head is a no-op: no cache write, no notification.
func (s *Synchronizer) promotePartner(ctx context.Context, otherID int) {
	s.mu.Lock()
	if len(s.partners) > 0 && s.partners[0].ID == otherID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	user, err := s.fetchUserInfo(ctx, otherID)
	if err != nil {
		s.logf("pingr: resolve partner %d: %v", otherID, err)
		return
	}

	s.mu.Lock()
	next := make([]User, 0, len(s.partners)+1)
	next = append(next, user)
	for _, p := range s.partners {
		if p.ID != otherID {
			next = append(next, p)
		}
	}
	s.partners = next
	s.mu.Unlock()

	SetJSON(s.store, ScopeSession, KeyChatPartners, next)
	s.notifyPartners()
}

// fetchUserInfo resolves a profile through the session cache, falling
// back to the gateway and populating the cache.
func (s *Synchronizer) fetchUserInfo(ctx context.Context, id int) (User, error) {
	var u User
	if GetJSON(s.store, ScopeSession, UserKey(id), &u) {
		return u, nil
	}

	res, err := s.client.UserByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if res.Unauthorized() {
		s.notifyUnauthorized()
		return User{}, ErrUnauthorized
	}
	if !res.OK {
		return User{}, fmt.Errorf("fetch user %d: %s (status %d)", id, res.Message, res.Status)
	}
	var data UserData
	if err := res.Decode(&data); err != nil {
		return User{}, fmt.Errorf("decode user %d: %w", id, err)
	}
	SetJSON(s.store, ScopeSession, UserKey(id), data.User)
	return data.User, nil
}

// ============================================================================
// Outbound send
// ============================================================================

// SendText sends a message through the push channel. There is no local
// echo: the message becomes visible when the server delivers it back as
// a chatMsgReceive event, so perceived latency is one round trip.
func (s *Synchronizer) SendText(ctx context.Context, receiverID int, text string) error {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	if ch == nil || !ch.IsAlive() {
		return ErrChannelClosed
	}
	return ch.SendEvent(ctx, EventChatMsgSend, OutboundMessage{
		ReceiverID: receiverID,
		Text:       text,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// ============================================================================
// Drafts
// ============================================================================

// Draft returns the unsent draft for a partner, or "".
func (s *Synchronizer) Draft(partnerID int) string {
	v, _ := s.store.Get(ScopeSession, DraftKey(partnerID))
	return v
}

// SetDraft stores the unsent draft for a partner. Empty text clears it.
func (s *Synchronizer) SetDraft(partnerID int, text string) {
	if text == "" {
		s.store.Delete(ScopeSession, DraftKey(partnerID))
		return
	}
	s.store.Set(ScopeSession, DraftKey(partnerID), text)
}
