package gateway

import (
	"context"
	"net/http"
	"net/url"
)

// Login authenticates and stores the returned token.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	const op = "login"
	req := LoginRequest{Username: username, Password: password}
	if err := c.check(op, req); err != nil {
		return nil, err
	}
	res, err := call[AuthResult](ctx, c, request{op: op, method: http.MethodPost, path: "/users/login", body: req})
	if err != nil {
		return nil, err
	}
	return res, c.storeToken(res.Token)
}

// Register creates an account and stores the returned token.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	const op = "register"
	if err := c.check(op, req); err != nil {
		return nil, err
	}
	res, err := call[AuthResult](ctx, c, request{op: op, method: http.MethodPost, path: "/users/signup", body: req})
	if err != nil {
		return nil, err
	}
	return res, c.storeToken(res.Token)
}

func (c *Client) storeToken(token string) error {
	if token == "" || c.tokens == nil {
		return nil
	}
	return c.tokens.Set(token)
}

// Logout ends the server session and forgets the local token. The token is
// cleared even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, request{op: "logout", method: http.MethodPost, path: "/users/logout"})
	if c.tokens != nil {
		if clearErr := c.tokens.Clear(); clearErr != nil && err == nil {
			err = clearErr
		}
	}
	return err
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	res, err := call[struct {
		User User `json:"user"`
	}](ctx, c, request{op: "me", method: http.MethodGet, path: "/users/me"})
	if err != nil {
		return nil, err
	}
	return &res.User, nil
}

// SearchUsers finds users by name.
func (c *Client) SearchUsers(ctx context.Context, name string) ([]User, error) {
	res, err := call[struct {
		Users []User `json:"users"`
	}](ctx, c, request{op: "search_users", method: http.MethodGet, path: "/users/search", query: url.Values{"name": {name}}})
	if err != nil {
		return nil, err
	}
	return res.Users, nil
}

// Notifications lists pending friend requests.
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	res, err := call[struct {
		Requests []Notification `json:"allRequests"`
	}](ctx, c, request{op: "notifications", method: http.MethodGet, path: "/users/notifications"})
	if err != nil {
		return nil, err
	}
	return res.Requests, nil
}

// SendFriendRequest asks userID to connect.
func (c *Client) SendFriendRequest(ctx context.Context, userID string) error {
	const op = "send_friend_request"
	req := friendRequest{UserID: userID}
	if err := c.check(op, req); err != nil {
		return err
	}
	_, err := c.do(ctx, request{op: op, method: http.MethodPut, path: "/users/sendrequest", body: req})
	return err
}

// AcceptFriendRequest answers a pending request. On acceptance the server
// creates a chat, so callers should refresh the chat list.
func (c *Client) AcceptFriendRequest(ctx context.Context, requestID string, accept bool) error {
	const op = "accept_friend_request"
	req := acceptRequest{RequestID: requestID, Accept: accept}
	if err := c.check(op, req); err != nil {
		return err
	}
	_, err := c.do(ctx, request{op: op, method: http.MethodPut, path: "/users/acceptrequest", body: req})
	return err
}

// UpdateProfile changes the signed-in user's profile.
func (c *Client) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*User, error) {
	const op = "update_profile"
	if err := c.check(op, upd); err != nil {
		return nil, err
	}
	res, err := call[struct {
		User User `json:"user"`
	}](ctx, c, request{op: op, method: http.MethodPut, path: "/users/profile", body: upd})
	if err != nil {
		return nil, err
	}
	return &res.User, nil
}
