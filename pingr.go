// Package pingr is a headless Go client for the pingr chat service.
//
// It covers the HTTP API gateway, a two-scope cache store, the push
// channel, conversation synchronization, and friendship actions.
//
// Example:
//
//	client := pingr.NewClient("", pingr.WithBaseURL("https://chat.example.com"))
//	res, _ := client.Login(ctx, "alice", "hunter2")
//
//	var login pingr.LoginData
//	res.Decode(&login)
//	client.SetToken(login.Token)
//
//	session, _ := pingr.OpenSession(ctx, client, pingr.NewMemoryStore(), nil)
//	defer session.Close()
package pingr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://pingr.chat"
	DefaultTimeout = 30 * time.Second
)

// ErrUnauthorized is returned by higher layers when the server rejects
// the stored credential. Callers should route back to the login flow.
var ErrUnauthorized = errors.New("pingr: unauthorized")

// ============================================================================
// Client
// ============================================================================

// Client is the API gateway. It never returns a Go error for an
// application-level failure; those come back inside Result.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger routes boundary diagnostics (transport failures, dropped
// payloads) to the given logger. Silent by default.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a gateway client. token is optional; pass "" before
// login; unauthenticated requests are sent as-is and the server answers
// 401 if it cares.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the bearer credential, e.g. after login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer credential ("" when logged out).
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the service base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// ============================================================================
// Request helper
// ============================================================================

// envelope is the slice of the response body every endpoint shares.
type envelope struct {
	Message string `json:"message"`
}

// Request performs one API call. The returned error covers transport
// failures only (DNS, refused connection, timeout); any HTTP response,
// success or not, resolves to a Result.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logf("pingr: %s %s: %v", method, path, err)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &Result{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   data,
	}
	var env envelope
	if json.Unmarshal(data, &env) == nil {
		result.Message = env.Message
	}
	return result, nil
}

// ============================================================================
// Auth endpoints
// ============================================================================

// CheckAuth verifies the stored credential. Body: AuthData.
func (c *Client) CheckAuth(ctx context.Context) (*Result, error) {
	return c.Request(ctx, "GET", "/api/auth", nil, nil)
}

// Login exchanges credentials for a bearer token. Body: LoginData.
// The token is NOT stored automatically; call SetToken with it.
func (c *Client) Login(ctx context.Context, username, password string) (*Result, error) {
	return c.Request(ctx, "POST", "/api/login", map[string]string{
		"username": username, "password": password,
	}, nil)
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, fullname, username, password string) (*Result, error) {
	return c.Request(ctx, "POST", "/api/register", map[string]string{
		"fullname": fullname, "username": username, "password": password,
	}, nil)
}

// Logout invalidates the credential server-side. Local state (token,
// caches) is the caller's to clear; Session.Close does that.
func (c *Client) Logout(ctx context.Context) (*Result, error) {
	return c.Request(ctx, "GET", "/api/logout", nil, nil)
}

// ============================================================================
// Conversation endpoints
// ============================================================================

// ChatPartners lists users the current user has conversations with,
// most recently active first. Body: PartnersData.
func (c *Client) ChatPartners(ctx context.Context) (*Result, error) {
	return c.Request(ctx, "GET", "/api/chat-partners", nil, nil)
}

// Messages fetches the conversation with one partner, newest first.
// Body: MessagesData.
func (c *Client) Messages(ctx context.Context, partnerID int) (*Result, error) {
	return c.Request(ctx, "GET", fmt.Sprintf("/api/messages/%d", partnerID), nil, nil)
}

// UserByID fetches one user's profile. Body: UserData.
func (c *Client) UserByID(ctx context.Context, id int) (*Result, error) {
	return c.Request(ctx, "GET", fmt.Sprintf("/api/users/%d", id), nil, nil)
}

// Search looks up users. Body: SearchData.
func (c *Client) Search(ctx context.Context, searchType, query string) (*Result, error) {
	return c.Request(ctx, "GET", "/api/search", nil, map[string]string{
		"type": searchType, "query": query,
	})
}

// ============================================================================
// Friendship endpoints
// ============================================================================

// FriendshipStatus fetches the relationship with one user.
// Body: FriendshipStatusData.
func (c *Client) FriendshipStatus(ctx context.Context, userID int) (*Result, error) {
	return c.Request(ctx, "GET", fmt.Sprintf("/api/friendship-status/%d", userID), nil, nil)
}

func targetPayload(targetID int) map[string]int {
	return map[string]int{"targetId": targetID}
}

// SendFriendRequest sends a friend request to targetID.
func (c *Client) SendFriendRequest(ctx context.Context, targetID int) (*Result, error) {
	return c.Request(ctx, "POST", "/api/friend-requests", targetPayload(targetID), nil)
}

// CancelFriendRequest withdraws a request the current user sent.
func (c *Client) CancelFriendRequest(ctx context.Context, targetID int) (*Result, error) {
	return c.Request(ctx, "DELETE", "/api/friend-requests", targetPayload(targetID), nil)
}

// DeclineFriendRequest rejects a request the current user received.
// Same wire shape as cancel, issued by the receiving side.
func (c *Client) DeclineFriendRequest(ctx context.Context, targetID int) (*Result, error) {
	return c.Request(ctx, "DELETE", "/api/friend-requests", targetPayload(targetID), nil)
}

// AcceptFriendRequest accepts a received request, creating a friendship.
func (c *Client) AcceptFriendRequest(ctx context.Context, targetID int) (*Result, error) {
	return c.Request(ctx, "POST", "/api/friends", targetPayload(targetID), nil)
}

// Unfriend removes an existing friendship.
func (c *Client) Unfriend(ctx context.Context, targetID int) (*Result, error) {
	return c.Request(ctx, "DELETE", "/api/friends", targetPayload(targetID), nil)
}

// Friends lists current friends. Body: FriendsData.
func (c *Client) Friends(ctx context.Context) (*Result, error) {
	return c.Request(ctx, "GET", "/api/friends", nil, nil)
}

// FriendRequests lists pending requests; kind is "sent" or "received".
// Body: FriendRequestsData.
func (c *Client) FriendRequests(ctx context.Context, kind string) (*Result, error) {
	return c.Request(ctx, "GET", "/api/friend-requests", nil, map[string]string{
		"type": kind,
	})
}
