package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok", "user": map[string]string{"_id": "u1", "name": "Ana"}})
	})
	mux.HandleFunc("/api/v1/users/logout", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("/api/v1/chat/my", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"chats": []map[string]any{{"_id": "c1", "name": "Bo"}}})
	})
	mux.HandleFunc("/socket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientSession(t *testing.T) {
	srv := newServer(t)
	root := t.TempDir()

	cfg := map[string]any{"server_url": srv.URL, "default_session": "work"}
	f, err := os.Create(filepath.Join(root, "config.toml"))
	require.NoError(t, err)
	require.NoError(t, toml.NewEncoder(f).Encode(cfg))
	require.NoError(t, f.Close())

	ctx := context.Background()
	c, err := New(ctx, Options{Root: root})
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Close(ctx)) }()

	assert.DirExists(t, filepath.Join(root, "sessions", "work"))
	assert.False(t, c.SignedIn())

	states := make(chan State, 8)
	defer c.WatchConnection(func(_, to State) { states <- to })()

	user, err := c.Login(ctx, "ana", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.True(t, c.SignedIn())
	require.Eventually(t, func() bool { return c.ConnectionState() == "CONNECTED" }, 2*time.Second, 10*time.Millisecond)

	chats, err := c.RefreshChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)

	require.NoError(t, c.Logout(ctx))
	assert.False(t, c.SignedIn())
	assert.Equal(t, State("DISCONNECTED"), c.ConnectionState())

	chats, err = c.ListChats(ctx)
	require.NoError(t, err)
	assert.Empty(t, chats, "logout wipes the local cache")
	assert.NotEmpty(t, states)
}
