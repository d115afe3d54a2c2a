package pingr

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBusy is returned when a friendship action is invoked while another
// one is still in flight. The busy flag is the concurrency guard: the
// consumer disables its control while Busy reports true.
var ErrBusy = errors.New("pingr: friendship action already in flight")

// FriendshipAction names a transition for the notification side channel.
type FriendshipAction string

const (
	ActionSendRequest   FriendshipAction = "send-request"
	ActionCancelRequest FriendshipAction = "cancel-request"
	ActionAccept        FriendshipAction = "accept"
	ActionDecline       FriendshipAction = "decline"
	ActionUnfriend      FriendshipAction = "unfriend"
)

// FriendshipNotifier receives action failures out of band. Errors never
// propagate into the consumer's render path through Status.
type FriendshipNotifier func(action FriendshipAction, err error)

// ============================================================================
// Tracker
// ============================================================================

// Tracker is the friendship state machine for one (current user, other
// user) pair. Transitions apply optimistically, then every mutating
// call is followed by an authoritative status re-fetch; a failed call
// rolls the optimistic state back.
type Tracker struct {
	client  *Client
	otherID int
	notify  FriendshipNotifier

	mu     sync.Mutex
	status FriendshipStatus
	busy   bool
}

// NewTracker creates a tracker in the loading pre-state. Call Load to
// resolve the real status. notify may be nil.
func NewTracker(client *Client, otherID int, notify FriendshipNotifier) *Tracker {
	return &Tracker{
		client:  client,
		otherID: otherID,
		notify:  notify,
		status:  StatusLoading,
	}
}

// Status returns the current (possibly optimistic) status.
func (t *Tracker) Status() FriendshipStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Busy reports whether a mutating action is in flight.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

// Load fetches the authoritative status from the server.
func (t *Tracker) Load(ctx context.Context) error {
	status, err := t.fetchStatus(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
	return nil
}

func (t *Tracker) fetchStatus(ctx context.Context) (FriendshipStatus, error) {
	res, err := t.client.FriendshipStatus(ctx, t.otherID)
	if err != nil {
		return "", err
	}
	if res.Unauthorized() {
		return "", ErrUnauthorized
	}
	if !res.OK {
		return "", fmt.Errorf("fetch friendship status for %d: %s (status %d)", t.otherID, res.Message, res.Status)
	}
	var data FriendshipStatusData
	if err := res.Decode(&data); err != nil {
		return "", fmt.Errorf("decode friendship status: %w", err)
	}
	return data.FriendshipStatus, nil
}

// ============================================================================
// Transitions
// ============================================================================

// SendRequest: unknown → req-sent.
func (t *Tracker) SendRequest(ctx context.Context) error {
	return t.transition(ctx, ActionSendRequest, StatusUnknown, StatusReqSent, t.client.SendFriendRequest)
}

// CancelRequest: req-sent → unknown.
func (t *Tracker) CancelRequest(ctx context.Context) error {
	return t.transition(ctx, ActionCancelRequest, StatusReqSent, StatusUnknown, t.client.CancelFriendRequest)
}

// Accept: req-received → friends.
func (t *Tracker) Accept(ctx context.Context) error {
	return t.transition(ctx, ActionAccept, StatusReqReceived, StatusFriends, t.client.AcceptFriendRequest)
}

// Decline: req-received → unknown. Deletes the incoming request.
func (t *Tracker) Decline(ctx context.Context) error {
	return t.transition(ctx, ActionDecline, StatusReqReceived, StatusUnknown, t.client.DeclineFriendRequest)
}

// Unfriend: friends → unknown.
func (t *Tracker) Unfriend(ctx context.Context) error {
	return t.transition(ctx, ActionUnfriend, StatusFriends, StatusUnknown, t.client.Unfriend)
}

func (t *Tracker) transition(
	ctx context.Context,
	action FriendshipAction,
	from, to FriendshipStatus,
	call func(context.Context, int) (*Result, error),
) error {
	t.mu.Lock()
	if t.busy {
		t.mu.Unlock()
		return ErrBusy
	}
	if t.status != from {
		st := t.status
		t.mu.Unlock()
		return fmt.Errorf("cannot %s from status %q", action, st)
	}
	t.busy = true
	t.status = to // optimistic
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.busy = false
		t.mu.Unlock()
	}()

	fail := func(err error) error {
		t.mu.Lock()
		t.status = from // roll back the optimistic state
		t.mu.Unlock()
		if t.notify != nil {
			t.notify(action, err)
		}
		return err
	}

	res, err := call(ctx, t.otherID)
	if err != nil {
		return fail(err)
	}
	if res.Unauthorized() {
		return fail(ErrUnauthorized)
	}
	if !res.OK {
		return fail(fmt.Errorf("%s failed: %s (status %d)", action, res.Message, res.Status))
	}

	// Optimistic state is only for responsiveness; the server remains
	// the source of truth.
	status, err := t.fetchStatus(ctx)
	if err != nil {
		if t.notify != nil {
			t.notify(action, err)
		}
		return nil
	}
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
	return nil
}
