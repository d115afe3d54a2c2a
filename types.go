package pingr

import "encoding/json"

// ============================================================================
// Entities
// ============================================================================

// User is a chat service account. Identity is ID; display fields may be
// refreshed on re-fetch but the entity itself is immutable client-side.
type User struct {
	ID       int    `json:"id"`
	Fullname string `json:"fullname"`
	Username string `json:"username"`
	Bio      string `json:"bio,omitempty"`
}

// Message is one direct message between two users. Immutable after
// creation; the client only reads and prepends, never edits.
type Message struct {
	ID         int    `json:"id"`
	SenderID   int    `json:"senderId"`
	ReceiverID int    `json:"receiverId"`
	Text       string `json:"text"`
	Timestamp  string `json:"timestamp"`
}

// FriendshipStatus is the relationship between the current user and one
// other user, scoped to that pair. Never persisted; fetched on demand.
type FriendshipStatus string

const (
	StatusLoading     FriendshipStatus = "loading"
	StatusUnknown     FriendshipStatus = "unknown"
	StatusReqSent     FriendshipStatus = "req-sent"
	StatusReqReceived FriendshipStatus = "req-received"
	StatusFriends     FriendshipStatus = "friends"
)

// ============================================================================
// Push events
// ============================================================================

// Event type tags on the push channel.
const (
	EventChatMsgSend    = "chatMsgSend"
	EventChatMsgReceive = "chatMsgReceive"
)

// PushEvent is the wire envelope for everything on the push channel,
// tagged by MsgType.
type PushEvent struct {
	MsgType string          `json:"msgType"`
	MsgData json.RawMessage `json:"msgData"`
}

// Msg decodes the event payload as a Message.
func (e *PushEvent) Msg() (Message, error) {
	var m Message
	err := json.Unmarshal(e.MsgData, &m)
	return m, err
}

// OutboundMessage is the payload of a chatMsgSend event.
type OutboundMessage struct {
	ReceiverID int    `json:"receiverId"`
	Text       string `json:"text"`
	Timestamp  string `json:"timestamp"`
}

// ============================================================================
// API results
// ============================================================================

// Result is the uniform outcome of every gateway request. HTTP-level
// failures (4xx/5xx) come back as OK=false with Status set, never as a
// Go error; only transport failures produce errors.
type Result struct {
	OK      bool
	Status  int
	Message string
	Body    json.RawMessage
}

// Decode unmarshals the response body into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Body == nil {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Unauthorized reports whether the server rejected the credential.
// Distinct from other failures: only this class should route the caller
// back to the login flow.
func (r *Result) Unauthorized() bool {
	return !r.OK && r.Status == 401
}

// AuthData is the body of GET /api/auth.
type AuthData struct {
	UserID int `json:"userId"`
}

// LoginData is the body of POST /api/login.
type LoginData struct {
	UserID int    `json:"userId"`
	Token  string `json:"jwt"`
}

// PartnersData is the body of GET /api/chat-partners.
type PartnersData struct {
	Partners []User `json:"partners"`
}

// MessagesData is the body of GET /api/messages/:partnerId.
type MessagesData struct {
	Messages []Message `json:"messages"`
}

// UserData is the body of GET /api/users/:id.
type UserData struct {
	User User `json:"user"`
}

// SearchData is the body of GET /api/search.
type SearchData struct {
	Results []User `json:"results"`
}

// FriendshipStatusData is the body of GET /api/friendship-status/:id.
type FriendshipStatusData struct {
	FriendshipStatus FriendshipStatus `json:"friendshipStatus"`
}

// FriendsData is the body of GET /api/friends.
type FriendsData struct {
	Friends []User `json:"friends"`
}

// FriendRequestsData is the body of GET /api/friend-requests.
type FriendRequestsData struct {
	Users []User `json:"users"`
}
