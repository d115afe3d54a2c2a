package pingr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
)

// ============================================================================
// Credential inspection
// ============================================================================

// CredentialExpiry reads the expiry claim out of the bearer credential
// without verifying the signature; the client has no key and does not
// need one, the server remains the final arbiter. Returns false when
// the token does not parse or carries no expiry.
func CredentialExpiry(token string) (time.Time, bool) {
	parser := new(jwt.Parser)
	claims := new(jwt.StandardClaims)
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.ExpiresAt, 0), true
}

func credentialExpired(token string) bool {
	exp, ok := CredentialExpiry(token)
	return ok && time.Now().After(exp)
}

// ============================================================================
// Session
// ============================================================================

// SessionConfig configures OpenSession. The zero value is usable.
type SessionConfig struct {
	Channel *ChannelConfig
	Logger  *log.Logger
}

// Session is the explicit application-state object: it owns the
// credential, the store, the push channel, and the synchronizer, and
// pumps inbound events from the one into the other. Lifecycle is
// explicit: OpenSession at login/startup, Close at logout/teardown.
type Session struct {
	client  *Client
	store   Store
	channel *Channel
	sync    *Synchronizer
	userID  int

	subID     string
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// OpenSession verifies the credential, opens the push channel, and
// starts the event pump. A missing or rejected credential yields
// ErrUnauthorized; the caller runs the login flow and retries.
func OpenSession(ctx context.Context, client *Client, store Store, config *SessionConfig) (*Session, error) {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}

	// The durable scope remembers the credential across sessions
	if client.Token() == "" {
		if token, ok := store.Get(ScopeDurable, KeyToken); ok {
			client.SetToken(token)
		}
	}
	if client.Token() == "" {
		return nil, ErrUnauthorized
	}
	if credentialExpired(client.Token()) {
		// Known-expired: skip the doomed round trip
		return nil, ErrUnauthorized
	}

	res, err := client.CheckAuth(ctx)
	if err != nil {
		return nil, err
	}
	if res.Unauthorized() {
		return nil, ErrUnauthorized
	}
	if !res.OK {
		return nil, fmt.Errorf("auth check: %s (status %d)", res.Message, res.Status)
	}
	var auth AuthData
	if err := res.Decode(&auth); err != nil {
		return nil, fmt.Errorf("decode auth check: %w", err)
	}

	store.Set(ScopeDurable, KeyToken, client.Token())

	channelCfg := cfg.Channel
	if channelCfg == nil {
		channelCfg = &ChannelConfig{Logger: cfg.Logger}
	}
	channel, err := DialChannel(ctx, client.BaseURL(), client.Token(), channelCfg)
	if err != nil {
		return nil, err
	}

	syncer := NewSynchronizer(client, store, auth.UserID, cfg.Logger)
	syncer.AttachChannel(channel)

	s := &Session{
		client:   client,
		store:    store,
		channel:  channel,
		sync:     syncer,
		userID:   auth.UserID,
		pumpDone: make(chan struct{}),
	}

	subID, events := channel.Subscribe()
	s.subID = subID
	go s.pump(events)

	return s, nil
}

// pump feeds inbound events to the synchronizer in delivery order.
func (s *Session) pump(events <-chan PushEvent) {
	defer close(s.pumpDone)
	for event := range events {
		s.sync.HandleEvent(context.Background(), event)
	}
}

// UserID returns the authenticated user's id.
func (s *Session) UserID() int {
	return s.userID
}

// Client returns the API gateway.
func (s *Session) Client() *Client {
	return s.client
}

// Store returns the cache store.
func (s *Session) Store() Store {
	return s.store
}

// Channel returns the push channel.
func (s *Session) Channel() *Channel {
	return s.channel
}

// Sync returns the conversation synchronizer.
func (s *Session) Sync() *Synchronizer {
	return s.sync
}

// Close tears the session down deterministically: the channel closes,
// the pump drains, and the session scope is cleared. Idempotent. The
// durable scope (credential, last partner) survives for the next
// session; Logout clears that too.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.channel.Close()
		<-s.pumpDone
		s.store.Clear(ScopeSession)
	})
	return err
}

// Logout invalidates the credential server-side, closes the session,
// and wipes both cache scopes.
func (s *Session) Logout(ctx context.Context) error {
	res, err := s.client.Logout(ctx)
	closeErr := s.Close()
	s.store.Clear(ScopeDurable)
	s.client.SetToken("")
	if err != nil {
		return err
	}
	if !res.OK && !res.Unauthorized() {
		return fmt.Errorf("logout: %s (status %d)", res.Message, res.Status)
	}
	return closeErr
}
