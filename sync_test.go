package pingr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// newGateway serves canned JSON bodies by path and counts requests.
func newGateway(t *testing.T, routes map[string]string) (*Client, *int32) {
	t.Helper()
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"not found"}`))
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return NewClient("tok", WithBaseURL(server.URL)), &hits
}

func chatEvent(t *testing.T, msg Message) PushEvent {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return PushEvent{MsgType: EventChatMsgReceive, MsgData: raw}
}

func TestLoadPartners(t *testing.T) {
	ctx := context.Background()

	t.Run("cache first", func(t *testing.T) {
		client, hits := newGateway(t, nil)
		store := NewMemoryStore()
		cached := []User{{ID: 4, Username: "bea"}}
		SetJSON(store, ScopeSession, KeyChatPartners, cached)

		s := NewSynchronizer(client, store, 1, nil)
		if err := s.LoadPartners(ctx); err != nil {
			t.Fatalf("LoadPartners: %v", err)
		}
		if got := s.Partners(); len(got) != 1 || got[0].ID != 4 {
			t.Fatalf("Partners = %+v", got)
		}
		if n := atomic.LoadInt32(hits); n != 0 {
			t.Fatalf("cache hit still made %d gateway requests", n)
		}
	})

	t.Run("gateway load populates the cache", func(t *testing.T) {
		client, _ := newGateway(t, map[string]string{
			"/api/chat-partners": `{"partners":[{"id":4,"username":"bea"},{"id":9,"username":"cam"}]}`,
		})
		store := NewMemoryStore()
		s := NewSynchronizer(client, store, 1, nil)

		var notified [][]User
		s.OnPartners(func(ps []User) { notified = append(notified, ps) })

		if err := s.LoadPartners(ctx); err != nil {
			t.Fatalf("LoadPartners: %v", err)
		}
		if got := s.Partners(); len(got) != 2 || got[0].ID != 4 {
			t.Fatalf("Partners = %+v", got)
		}

		var cached []User
		if !GetJSON(store, ScopeSession, KeyChatPartners, &cached) || len(cached) != 2 {
			t.Fatalf("cache not populated: %+v", cached)
		}
		if len(notified) != 1 {
			t.Fatalf("partner callback fired %d times", len(notified))
		}
	})

	t.Run("every registered callback fires", func(t *testing.T) {
		client, _ := newGateway(t, map[string]string{
			"/api/chat-partners": `{"partners":[{"id":4,"username":"bea"}]}`,
		})
		s := NewSynchronizer(client, NewMemoryStore(), 1, nil)

		var first, second int
		s.OnPartners(func([]User) { first++ })
		s.OnPartners(func([]User) { second++ })

		if err := s.LoadPartners(ctx); err != nil {
			t.Fatalf("LoadPartners: %v", err)
		}
		if first != 1 || second != 1 {
			t.Fatalf("callbacks fired %d and %d times, want 1 and 1", first, second)
		}
	})

	t.Run("refresh replaces the cached snapshot", func(t *testing.T) {
		client, _ := newGateway(t, map[string]string{
			"/api/chat-partners": `{"partners":[{"id":4,"username":"bea"},{"id":9,"username":"cam"}]}`,
		})
		store := NewMemoryStore()
		SetJSON(store, ScopeSession, KeyChatPartners, []User{{ID: 4, Username: "bea"}})

		s := NewSynchronizer(client, store, 1, nil)
		if err := s.LoadPartners(ctx); err != nil {
			t.Fatalf("LoadPartners: %v", err)
		}
		if got := s.Partners(); len(got) != 1 {
			t.Fatalf("snapshot load gave %+v", got)
		}

		if err := s.RefreshPartners(ctx); err != nil {
			t.Fatalf("RefreshPartners: %v", err)
		}
		if got := s.Partners(); len(got) != 2 || got[1].ID != 9 {
			t.Fatalf("Partners after refresh = %+v", got)
		}
		var cached []User
		if !GetJSON(store, ScopeSession, KeyChatPartners, &cached) || len(cached) != 2 {
			t.Fatalf("snapshot not replaced: %+v", cached)
		}
	})

	t.Run("credential rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		t.Cleanup(server.Close)

		s := NewSynchronizer(NewClient("stale", WithBaseURL(server.URL)), NewMemoryStore(), 1, nil)
		var unauthorized bool
		s.OnUnauthorized(func() { unauthorized = true })

		if err := s.LoadPartners(ctx); err != ErrUnauthorized {
			t.Fatalf("LoadPartners = %v, want ErrUnauthorized", err)
		}
		if !unauthorized {
			t.Fatal("unauthorized callback not fired")
		}
	})
}

func TestOpenConversation(t *testing.T) {
	ctx := context.Background()
	partner := User{ID: 4, Username: "bea"}

	t.Run("cache first", func(t *testing.T) {
		client, hits := newGateway(t, nil)
		store := NewMemoryStore()
		cached := []Message{{ID: 2, SenderID: 4, ReceiverID: 1, Text: "newer"}, {ID: 1, SenderID: 1, ReceiverID: 4, Text: "older"}}
		SetJSON(store, ScopeSession, MessagesKey(4), cached)

		s := NewSynchronizer(client, store, 1, nil)
		if err := s.OpenConversation(ctx, partner); err != nil {
			t.Fatalf("OpenConversation: %v", err)
		}
		if got := s.Thread(); len(got) != 2 || got[0].ID != 2 {
			t.Fatalf("Thread = %+v", got)
		}
		if n := atomic.LoadInt32(hits); n != 0 {
			t.Fatalf("cache hit still made %d gateway requests", n)
		}
		if p := s.OpenPartner(); p == nil || p.ID != 4 {
			t.Fatalf("OpenPartner = %+v", p)
		}
	})

	t.Run("gateway load populates the cache", func(t *testing.T) {
		client, _ := newGateway(t, map[string]string{
			"/api/messages/4": `{"messages":[{"id":9,"senderId":4,"receiverId":1,"text":"hey"}]}`,
		})
		store := NewMemoryStore()
		s := NewSynchronizer(client, store, 1, nil)

		if err := s.OpenConversation(ctx, partner); err != nil {
			t.Fatalf("OpenConversation: %v", err)
		}
		if got := s.Thread(); len(got) != 1 || got[0].ID != 9 {
			t.Fatalf("Thread = %+v", got)
		}
		var cached []Message
		if !GetJSON(store, ScopeSession, MessagesKey(4), &cached) || len(cached) != 1 {
			t.Fatalf("thread cache not populated: %+v", cached)
		}
	})

	t.Run("open partner is remembered durably", func(t *testing.T) {
		client, _ := newGateway(t, map[string]string{"/api/messages/4": `{"messages":[]}`})
		store := NewMemoryStore()
		s := NewSynchronizer(client, store, 1, nil)

		if err := s.OpenConversation(ctx, partner); err != nil {
			t.Fatalf("OpenConversation: %v", err)
		}
		if got := s.LastOpenedPartner(); got == nil || got.ID != 4 {
			t.Fatalf("LastOpenedPartner = %+v", got)
		}

		s.CloseConversation()
		if got := s.LastOpenedPartner(); got != nil {
			t.Fatalf("LastOpenedPartner after close = %+v", got)
		}
		if got := s.Thread(); len(got) != 0 {
			t.Fatalf("Thread after close = %+v", got)
		}
	})

	t.Run("stale load is discarded", func(t *testing.T) {
		client, _ := newGateway(t, nil)
		store := NewMemoryStore()
		SetJSON(store, ScopeSession, MessagesKey(4), []Message{{ID: 1}})

		s := NewSynchronizer(client, store, 1, nil)
		if err := s.OpenConversation(ctx, partner); err != nil {
			t.Fatalf("OpenConversation: %v", err)
		}
		gen := s.generation
		s.CloseConversation()

		if s.commitThread(gen, []Message{{ID: 99}}) {
			t.Fatal("a load from a superseded open was committed")
		}
		if got := s.Thread(); len(got) != 0 {
			t.Fatalf("stale commit mutated the thread: %+v", got)
		}
	})
}

func TestHandleEvent(t *testing.T) {
	ctx := context.Background()
	self := 1
	open := User{ID: 4, Username: "bea"}

	// openSync returns a synchronizer with partner 4's conversation open
	// and a cached, initially single-message thread.
	openSync := func(t *testing.T, client *Client, store *MemoryStore) *Synchronizer {
		t.Helper()
		SetJSON(store, ScopeSession, KeyChatPartners, []User{open, {ID: 9, Username: "cam"}})
		SetJSON(store, ScopeSession, MessagesKey(open.ID), []Message{{ID: 1, SenderID: 4, ReceiverID: 1, Text: "first"}})
		s := NewSynchronizer(client, store, self, nil)
		if err := s.LoadPartners(ctx); err != nil {
			t.Fatalf("LoadPartners: %v", err)
		}
		if err := s.OpenConversation(ctx, open); err != nil {
			t.Fatalf("OpenConversation: %v", err)
		}
		return s
	}

	t.Run("open conversation message is prepended", func(t *testing.T) {
		client, hits := newGateway(t, nil)
		store := NewMemoryStore()
		s := openSync(t, client, store)

		var threadNotices int
		s.OnThread(func([]Message) { threadNotices++ })
		var partnerNotices int
		s.OnPartners(func([]User) { partnerNotices++ })

		msg := Message{ID: 2, SenderID: 4, ReceiverID: 1, Text: "second"}
		s.HandleEvent(ctx, chatEvent(t, msg))

		thread := s.Thread()
		if len(thread) != 2 || thread[0].ID != 2 || thread[1].ID != 1 {
			t.Fatalf("Thread = %+v", thread)
		}
		var cached []Message
		if !GetJSON(store, ScopeSession, MessagesKey(4), &cached) || len(cached) != 2 || cached[0].ID != 2 {
			t.Fatalf("thread cache = %+v", cached)
		}
		if threadNotices != 1 {
			t.Errorf("thread callback fired %d times", threadNotices)
		}
		// Sender already heads the partner list: order, cache, and
		// subscribers must all stay untouched.
		if partnerNotices != 0 {
			t.Errorf("head no-op still fired the partner callback %d times", partnerNotices)
		}
		if n := atomic.LoadInt32(hits); n != 0 {
			t.Errorf("head no-op still made %d gateway requests", n)
		}
	})

	t.Run("own echo lands in the receiver's thread", func(t *testing.T) {
		client, _ := newGateway(t, nil)
		store := NewMemoryStore()
		s := openSync(t, client, store)

		msg := Message{ID: 3, SenderID: self, ReceiverID: 4, Text: "sent by me"}
		s.HandleEvent(ctx, chatEvent(t, msg))

		thread := s.Thread()
		if len(thread) != 2 || thread[0].ID != 3 {
			t.Fatalf("Thread = %+v", thread)
		}
	})

	t.Run("background conversation updates its cache only", func(t *testing.T) {
		client, _ := newGateway(t, nil)
		store := NewMemoryStore()
		SetJSON(store, ScopeSession, MessagesKey(9), []Message{{ID: 5, SenderID: 9, ReceiverID: 1, Text: "old"}})
		SetJSON(store, ScopeSession, UserKey(9), User{ID: 9, Username: "cam"})
		s := openSync(t, client, store)

		var partnerOrders [][]User
		s.OnPartners(func(ps []User) { partnerOrders = append(partnerOrders, ps) })

		msg := Message{ID: 6, SenderID: 9, ReceiverID: 1, Text: "new"}
		s.HandleEvent(ctx, chatEvent(t, msg))

		if thread := s.Thread(); len(thread) != 1 {
			t.Fatalf("open thread mutated by a background message: %+v", thread)
		}
		var cached []Message
		if !GetJSON(store, ScopeSession, MessagesKey(9), &cached) || len(cached) != 2 || cached[0].ID != 6 {
			t.Fatalf("background cache = %+v", cached)
		}

		partners := s.Partners()
		if len(partners) != 2 || partners[0].ID != 9 || partners[1].ID != 4 {
			t.Fatalf("Partners = %+v", partners)
		}
		if len(partnerOrders) != 1 {
			t.Fatalf("partner callback fired %d times", len(partnerOrders))
		}
	})

	t.Run("uncached background thread is seeded from history", func(t *testing.T) {
		client, _ := newGateway(t, map[string]string{
			"/api/messages/9": `{"messages":[{"id":5,"senderId":9,"receiverId":1,"text":"history"}]}`,
			"/api/users/9":    `{"user":{"id":9,"username":"cam"}}`,
		})
		store := NewMemoryStore()
		s := openSync(t, client, store)

		msg := Message{ID: 6, SenderID: 9, ReceiverID: 1, Text: "new"}
		s.HandleEvent(ctx, chatEvent(t, msg))

		var cached []Message
		if !GetJSON(store, ScopeSession, MessagesKey(9), &cached) {
			t.Fatal("background cache not seeded")
		}
		if len(cached) != 2 || cached[0].ID != 6 || cached[1].ID != 5 {
			t.Fatalf("seeded cache = %+v", cached)
		}
		if partners := s.Partners(); partners[0].ID != 9 {
			t.Fatalf("Partners = %+v", partners)
		}
	})

	t.Run("unknown sender becomes a partner", func(t *testing.T) {
		client, _ := newGateway(t, map[string]string{
			"/api/messages/77": `{"messages":[]}`,
			"/api/users/77":    `{"user":{"id":77,"username":"dee"}}`,
		})
		store := NewMemoryStore()
		s := openSync(t, client, store)

		msg := Message{ID: 6, SenderID: 77, ReceiverID: 1, Text: "hello stranger"}
		s.HandleEvent(ctx, chatEvent(t, msg))

		partners := s.Partners()
		if len(partners) != 3 || partners[0].ID != 77 {
			t.Fatalf("Partners = %+v", partners)
		}
	})

	t.Run("other event types are ignored", func(t *testing.T) {
		client, hits := newGateway(t, nil)
		store := NewMemoryStore()
		s := openSync(t, client, store)

		s.HandleEvent(ctx, PushEvent{MsgType: "presence", MsgData: json.RawMessage(`{"userId":4}`)})

		if thread := s.Thread(); len(thread) != 1 {
			t.Fatalf("Thread mutated: %+v", thread)
		}
		if n := atomic.LoadInt32(hits); n != 0 {
			t.Fatalf("ignored event made %d gateway requests", n)
		}
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		client, _ := newGateway(t, nil)
		store := NewMemoryStore()
		s := openSync(t, client, store)

		s.HandleEvent(ctx, PushEvent{MsgType: EventChatMsgReceive, MsgData: json.RawMessage(`[1,2,3]`)})

		if thread := s.Thread(); len(thread) != 1 {
			t.Fatalf("Thread mutated by a malformed payload: %+v", thread)
		}
	})
}

func TestSendText(t *testing.T) {
	t.Run("requires a live channel", func(t *testing.T) {
		client, _ := newGateway(t, nil)
		s := NewSynchronizer(client, NewMemoryStore(), 1, nil)

		if err := s.SendText(context.Background(), 4, "hi"); err != ErrChannelClosed {
			t.Fatalf("SendText = %v, want ErrChannelClosed", err)
		}
	})
}

func TestDrafts(t *testing.T) {
	client, _ := newGateway(t, nil)
	s := NewSynchronizer(client, NewMemoryStore(), 1, nil)

	if got := s.Draft(4); got != "" {
		t.Fatalf("fresh draft = %q", got)
	}
	s.SetDraft(4, "half-written")
	if got := s.Draft(4); got != "half-written" {
		t.Fatalf("Draft = %q", got)
	}
	s.SetDraft(4, "")
	if got := s.Draft(4); got != "" {
		t.Fatalf("draft survived clearing: %q", got)
	}
}
