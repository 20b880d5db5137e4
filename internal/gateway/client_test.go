package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTokens struct {
	mu    sync.Mutex
	token string
}

func (m *memTokens) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *memTokens) Set(t string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = t
	return nil
}

func (m *memTokens) Clear() error { return m.Set("") }

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Client, *memTokens) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tokens := &memTokens{}
	return New(srv.URL, tokens, opts...), tokens
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestTokenInjectedPerCall(t *testing.T) {
	var cookies []string
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		cookies = append(cookies, r.Header.Get("Cookie"))
		writeJSON(w, 200, map[string]any{"chats": []any{}})
	})

	_, err := c.ListChats(context.Background())
	require.NoError(t, err)
	require.NoError(t, tokens.Set("t1"))
	_, err = c.ListChats(context.Background())
	require.NoError(t, err)
	require.NoError(t, tokens.Set("t2"))
	_, err = c.ListChats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"", "token=t1", "token=t2"}, cookies)
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{401, ErrUnauthorized},
		{403, ErrForbidden},
		{404, ErrNotFound},
		{500, ErrServer},
		{503, ErrServer},
		{400, ErrRequest},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"message": "nope"})
			})
			_, err := c.ListChats(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var gwErr *Error
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.status, gwErr.Status)
			assert.Equal(t, "nope", gwErr.Message)
		})
	}
}

func TestUnauthorizedClearsCredential(t *testing.T) {
	b := bus.New(nil)
	var published []string
	defer b.On(EventUnauthorized, func(e bus.Event) { published = append(published, e.Payload.(string)) })()

	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, map[string]string{"message": "Please login"})
	}, WithBus(b))
	require.NoError(t, tokens.Set("expired"))

	_, err := c.GetChatDetails(context.Background(), "c1")
	assert.True(t, IsUnauthorized(err))
	assert.Empty(t, tokens.Token(), "credential must be cleared by the call itself")
	assert.Equal(t, []string{"get_chat_details"}, published)
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, &memTokens{})
	_, err := c.ListChats(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.True(t, gwErr.Retryable())
	assert.Zero(t, gwErr.Status)
}

func TestTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(50*time.Millisecond))
	defer close(release)

	_, err := c.ListChats(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestValidationBeforeDispatch(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, 200, map[string]any{})
	})
	ctx := context.Background()

	_, err := c.SendMessage(ctx, "c1", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.SendMessage(ctx, "", "hi")
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, c.CreateGroup(ctx, "g", []string{"u1"}), ErrValidation)
	assert.ErrorIs(t, c.AddMembers(ctx, "c1", nil), ErrValidation)
	assert.ErrorIs(t, c.RemoveMember(ctx, "c1", ""), ErrValidation)
	assert.ErrorIs(t, c.LeaveGroup(ctx, " "), ErrValidation)
	_, err = c.ListMessages(ctx, "c1", 0)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.Login(ctx, "", "pw")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.SendAttachments(ctx, "c1", nil)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Zero(t, calls, "no request may reach the server")
}

func TestLoginStoresTokenAndLogoutClears(t *testing.T) {
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/users/login":
			var body LoginRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Username != "ana" || body.Password != "secret" {
				writeJSON(w, 400, map[string]string{"message": "bad"})
				return
			}
			writeJSON(w, 200, map[string]any{"token": "jwt-1", "user": map[string]string{"_id": "u1", "name": "Ana"}})
		case "/api/v1/users/logout":
			writeJSON(w, 200, map[string]any{"success": true})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	res, err := c.Login(ctx, "ana", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, "jwt-1", tokens.Token())

	require.NoError(t, c.Logout(ctx))
	assert.Empty(t, tokens.Token())
}

func TestListChatsDecodesServerShapes(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/my", r.URL.Path)
		_, _ = io.WriteString(w, `{"success":true,"chats":[
			{"_id":"c1","name":"Ana","groupChat":false,"avatar":["https://a/1.png"],"members":["u1","u2"]},
			{"_id":"c2","name":"Team","groupChat":true,"avatar":"https://a/2.png",
			 "members":[{"_id":"u1","name":"Ana"},{"_id":"u3","name":"Bo"}],
			 "lastMessage":{"_id":"m9","content":"hello","createdAt":"2024-01-01T10:05:00.000Z","sender":"u3"},
			 "unreadCount":4}
		]}`)
	})

	chats, err := c.ListChats(context.Background())
	require.NoError(t, err)
	require.Len(t, chats, 2)

	first := chats[0].ToStore()
	assert.Equal(t, "https://a/1.png", first.Avatar)
	assert.Equal(t, []string{"u1", "u2"}, first.Members)
	assert.Empty(t, first.LastMessage)

	second := chats[1].ToStore()
	assert.True(t, second.IsGroup)
	assert.Equal(t, []string{"u1", "u3"}, second.Members)
	assert.Equal(t, "hello", second.LastMessage)
	assert.Equal(t, "2024-01-01T10:05:00.000Z", second.LastMessageTime)
	assert.Equal(t, 4, second.UnreadCount)
}

func TestListMessagesPageQuery(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/message/c1", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		_, _ = io.WriteString(w, `{"messages":[{"_id":"m1","content":"hi","chat":"c1","createdAt":"2024","sender":{"_id":"u1","name":"Ana"},"attachments":[{"public_id":"p","url":"https://x"}]}],"totalPages":5}`)
	})

	page, err := c.ListMessages(context.Background(), "c1", 3)
	require.NoError(t, err)
	assert.Equal(t, 5, page.TotalPages)
	require.Len(t, page.Messages, 1)
	m := page.Messages[0].ToStore("ignored", "delivered")
	assert.Equal(t, "c1", m.ChatID)
	assert.Equal(t, "u1", m.SenderID)
	assert.Equal(t, "https://x", m.Attachments[0].URL)
}

func TestSendAttachmentsMultipart(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "c1", r.FormValue("chatId"))
		files := r.MultipartForm.File["files"]
		require.Len(t, files, 2)
		assert.Equal(t, "a.png", files[0].Filename)
		f, _ := files[1].Open()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "second", string(data))
		writeJSON(w, 200, map[string]any{"message": map[string]any{"_id": "m1", "chat": "c1"}})
	})

	msg, err := c.SendAttachments(context.Background(), "c1", []Upload{
		{FileName: "a.png", Content: strings.NewReader("first")},
		{FileName: "b.txt", Content: bytes.NewBufferString("second")},
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
}

func TestGroupAdminRequests(t *testing.T) {
	type seen struct {
		method, path string
		body         map[string]any
	}
	var got []seen
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = append(got, seen{r.Method, r.URL.Path, body})
		writeJSON(w, 200, map[string]any{"success": true})
	})
	ctx := context.Background()

	require.NoError(t, c.CreateGroup(ctx, "Team", []string{"u1", "u2"}))
	require.NoError(t, c.AddMembers(ctx, "c1", []string{"u3"}))
	require.NoError(t, c.RemoveMember(ctx, "c1", "u2"))
	require.NoError(t, c.LeaveGroup(ctx, "c1"))
	require.NoError(t, c.SendFriendRequest(ctx, "u9"))
	require.NoError(t, c.AcceptFriendRequest(ctx, "r1", true))

	require.Len(t, got, 6)
	assert.Equal(t, seen{"POST", "/api/v1/chat/new", map[string]any{"name": "Team", "members": []any{"u1", "u2"}}}, got[0])
	assert.Equal(t, "PUT", got[1].method)
	assert.Equal(t, "/api/v1/chat/addmembers", got[1].path)
	assert.Equal(t, map[string]any{"chatId": "c1", "userId": "u2"}, got[2].body)
	assert.Equal(t, "DELETE", got[3].method)
	assert.Equal(t, "/api/v1/chat/leave/c1", got[3].path)
	assert.Equal(t, "/api/v1/users/sendrequest", got[4].path)
	assert.Equal(t, map[string]any{"requestId": "r1", "accept": true}, got[5].body)
}

func TestDownloadSendsCredentialOnlyToServer(t *testing.T) {
	var cookie string
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		cookie = r.Header.Get("Cookie")
		_, _ = io.WriteString(w, "file-bytes")
	})
	require.NoError(t, tokens.Set("tok"))

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "/uploads/a.png", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)
	assert.Equal(t, "file-bytes", buf.String())
	assert.Equal(t, "token=tok", cookie)

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie = r.Header.Get("Cookie")
		w.WriteHeader(404)
	}))
	defer cdn.Close()
	_, err = c.Download(context.Background(), cdn.URL+"/x.png", io.Discard)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, cookie)
}

func TestErrorMessageFallsBackToCause(t *testing.T) {
	err := &Error{Kind: KindNetwork, Op: "list_chats", Err: errors.New("dial tcp: refused")}
	assert.Equal(t, "list_chats: network: dial tcp: refused", err.Error())
	assert.False(t, errors.Is(err, ErrServer))
}
