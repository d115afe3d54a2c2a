package pingr

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	t.Run("set and get", func(t *testing.T) {
		s := NewMemoryStore()
		s.Set(ScopeSession, "k", "v")

		got, ok := s.Get(ScopeSession, "k")
		if !ok || got != "v" {
			t.Fatalf("Get = %q, %v; want \"v\", true", got, ok)
		}
	})

	t.Run("scopes are independent", func(t *testing.T) {
		s := NewMemoryStore()
		s.Set(ScopeSession, "k", "session")
		s.Set(ScopeDurable, "k", "durable")

		if v, _ := s.Get(ScopeSession, "k"); v != "session" {
			t.Errorf("session value = %q", v)
		}
		if v, _ := s.Get(ScopeDurable, "k"); v != "durable" {
			t.Errorf("durable value = %q", v)
		}

		s.Clear(ScopeSession)
		if _, ok := s.Get(ScopeSession, "k"); ok {
			t.Error("session key survived Clear")
		}
		if _, ok := s.Get(ScopeDurable, "k"); !ok {
			t.Error("durable key lost by clearing the session scope")
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := NewMemoryStore()
		s.Set(ScopeDurable, KeyToken, "tok")
		s.Delete(ScopeDurable, KeyToken)
		if _, ok := s.Get(ScopeDurable, KeyToken); ok {
			t.Fatal("key survived Delete")
		}
	})

	t.Run("missing key", func(t *testing.T) {
		s := NewMemoryStore()
		if _, ok := s.Get(ScopeSession, "nope"); ok {
			t.Fatal("Get reported a hit for a missing key")
		}
	})
}

func TestJSONHelpers(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		s := NewMemoryStore()
		in := []Message{{ID: 1, SenderID: 2, ReceiverID: 3, Text: "hi"}}
		SetJSON(s, ScopeSession, MessagesKey(3), in)

		var out []Message
		if !GetJSON(s, ScopeSession, MessagesKey(3), &out) {
			t.Fatal("GetJSON missed a key that was just set")
		}
		if len(out) != 1 || out[0].Text != "hi" {
			t.Fatalf("round trip gave %+v", out)
		}
	})

	t.Run("corrupt entry reads as miss", func(t *testing.T) {
		s := NewMemoryStore()
		s.Set(ScopeSession, "broken", "{not json")

		var out []Message
		if GetJSON(s, ScopeSession, "broken", &out) {
			t.Fatal("GetJSON returned a hit for a corrupt entry")
		}
	})
}

func TestFileStore(t *testing.T) {
	t.Run("durable scope survives reopen", func(t *testing.T) {
		dir := t.TempDir()

		s, err := NewFileStore(dir)
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		s.Set(ScopeDurable, KeyToken, "tok-123")
		s.Set(ScopeSession, "ephemeral", "gone-on-restart")

		s2, err := NewFileStore(dir)
		if err != nil {
			t.Fatalf("NewFileStore (reopen): %v", err)
		}
		if v, ok := s2.Get(ScopeDurable, KeyToken); !ok || v != "tok-123" {
			t.Errorf("durable value after reopen = %q, %v", v, ok)
		}
		if _, ok := s2.Get(ScopeSession, "ephemeral"); ok {
			t.Error("session value survived reopen")
		}
	})

	t.Run("clear durable removes files", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewFileStore(dir)
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		s.Set(ScopeDurable, KeyToken, "tok")
		s.Set(ScopeDurable, KeyOpenedPartner, `{"id":4}`)
		s.Clear(ScopeDurable)

		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("%d files left after Clear", len(entries))
		}
	})

	t.Run("keys with unsafe characters", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewFileStore(dir)
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		key := "odd/key with spaces"
		s.Set(ScopeDurable, key, "v")

		s2, err := NewFileStore(dir)
		if err != nil {
			t.Fatalf("NewFileStore (reopen): %v", err)
		}
		if v, ok := s2.Get(ScopeDurable, key); !ok || v != "v" {
			t.Fatalf("escaped key did not round trip: %q, %v", v, ok)
		}
	})

	t.Run("corrupt durable file reads as miss through GetJSON", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, KeyOpenedPartner), []byte("{broken"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		s, err := NewFileStore(dir)
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		var u User
		if GetJSON(s, ScopeDurable, KeyOpenedPartner, &u) {
			t.Fatal("corrupt file decoded as a hit")
		}
	})
}

func TestWellKnownKeys(t *testing.T) {
	if got := MessagesKey(7); got != "messages-7" {
		t.Errorf("MessagesKey(7) = %q", got)
	}
	if got := UserKey(7); got != "user-7" {
		t.Errorf("UserKey(7) = %q", got)
	}
	if got := DraftKey(7); got != "message-draft-7" {
		t.Errorf("DraftKey(7) = %q", got)
	}
}
