package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ListChats returns the signed-in user's chats.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	res, err := call[struct {
		Chats []Chat `json:"chats"`
	}](ctx, c, request{op: "list_chats", method: http.MethodGet, path: "/chat/my"})
	if err != nil {
		return nil, err
	}
	return res.Chats, nil
}

// GetChatDetails returns one chat with its members.
func (c *Client) GetChatDetails(ctx context.Context, chatID string) (*Chat, error) {
	const op = "get_chat_details"
	if err := c.checkID(op, "chatId", chatID); err != nil {
		return nil, err
	}
	res, err := call[struct {
		Chat Chat `json:"chat"`
	}](ctx, c, request{op: op, method: http.MethodGet, path: "/chat/" + url.PathEscape(chatID)})
	if err != nil {
		return nil, err
	}
	return &res.Chat, nil
}

// ListMessages returns one page of a chat's history. Pages start at 1.
func (c *Client) ListMessages(ctx context.Context, chatID string, page int) (*MessagePage, error) {
	const op = "list_messages"
	if err := c.checkID(op, "chatId", chatID); err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, &Error{Kind: KindValidation, Op: op, Message: "page must be >= 1"}
	}
	return call[MessagePage](ctx, c, request{
		op:     op,
		method: http.MethodGet,
		path:   "/chat/message/" + url.PathEscape(chatID),
		query:  url.Values{"page": {strconv.Itoa(page)}},
	})
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (*Message, error) {
	const op = "send_message"
	req := sendMessageRequest{ChatID: chatID, Content: content}
	if err := c.check(op, req); err != nil {
		return nil, err
	}
	res, err := call[struct {
		Message Message `json:"message"`
	}](ctx, c, request{op: op, method: http.MethodPost, path: "/chat/message", body: req})
	if err != nil {
		return nil, err
	}
	return &res.Message, nil
}

// SendAttachments uploads files to a chat as a multipart form.
func (c *Client) SendAttachments(ctx context.Context, chatID string, files []Upload) (*Message, error) {
	const op = "send_attachments"
	if err := c.checkID(op, "chatId", chatID); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &Error{Kind: KindValidation, Op: op, Message: "at least one file is required"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chatId", chatID); err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Err: err}
	}
	for _, f := range files {
		if f.FileName == "" || f.Content == nil {
			return nil, &Error{Kind: KindValidation, Op: op, Message: "file name and content are required"}
		}
		part, err := w.CreateFormFile("files", f.FileName)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("create form file: %w", err)}
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("write file %s: %w", f.FileName, err)}
		}
	}
	if err := w.Close(); err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Err: err}
	}

	res, err := call[struct {
		Message Message `json:"message"`
	}](ctx, c, request{op: op, method: http.MethodPost, path: "/chat/message", raw: &buf, contentType: w.FormDataContentType()})
	if err != nil {
		return nil, err
	}
	return &res.Message, nil
}

// CreateGroup creates a group chat with the given members.
func (c *Client) CreateGroup(ctx context.Context, name string, members []string) error {
	const op = "create_group"
	req := createGroupRequest{Name: name, Members: members}
	if err := c.check(op, req); err != nil {
		return err
	}
	_, err := c.do(ctx, request{op: op, method: http.MethodPost, path: "/chat/new", body: req})
	return err
}

// AddMembers adds users to a group chat.
func (c *Client) AddMembers(ctx context.Context, chatID string, members []string) error {
	const op = "add_members"
	req := addMembersRequest{ChatID: chatID, Members: members}
	if err := c.check(op, req); err != nil {
		return err
	}
	_, err := c.do(ctx, request{op: op, method: http.MethodPut, path: "/chat/addmembers", body: req})
	return err
}

// RemoveMember removes a user from a group chat.
func (c *Client) RemoveMember(ctx context.Context, chatID, userID string) error {
	const op = "remove_member"
	req := removeMemberRequest{ChatID: chatID, UserID: userID}
	if err := c.check(op, req); err != nil {
		return err
	}
	_, err := c.do(ctx, request{op: op, method: http.MethodPut, path: "/chat/removemember", body: req})
	return err
}

// LeaveGroup removes the signed-in user from a group chat.
func (c *Client) LeaveGroup(ctx context.Context, chatID string) error {
	const op = "leave_group"
	if err := c.checkID(op, "chatId", chatID); err != nil {
		return err
	}
	_, err := c.do(ctx, request{op: op, method: http.MethodDelete, path: "/chat/leave/" + url.PathEscape(chatID)})
	return err
}

// Download streams the file at rawURL into w and returns the bytes written.
// Relative URLs resolve against the server; the credential is only sent to
// the server's own host.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	const op = "download"
	if strings.TrimSpace(rawURL) == "" {
		return 0, &Error{Kind: KindValidation, Op: op, Message: "url is required"}
	}
	target := rawURL
	if strings.HasPrefix(rawURL, "/") {
		target = c.serverURL + rawURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, &Error{Kind: KindValidation, Op: op, Err: err}
	}
	if server, err := url.Parse(c.serverURL); err == nil && req.URL.Host == server.Host {
		c.authorize(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, c.fail(op, resp.StatusCode, body)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &Error{Kind: KindNetwork, Op: op, Status: resp.StatusCode, Err: err}
	}
	return n, nil
}
