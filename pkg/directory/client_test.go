package directory

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsession/pkg/auth"
	"github.com/go-go-golems/chatsession/pkg/chat"
)

type fixedCreds struct{ cred *auth.Credential }

func (f fixedCreds) Current() *auth.Credential { return f.cred }

func newTestClient(t *testing.T, h http.Handler, token string) (*Client, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/api", fixedCreds{cred: auth.Decode(token)})
	require.NoError(t, err)
	return c, &hits
}

const chatJSON = `{"id":42,"chatName":"Climbers","primaryInterestName":"climbing",
"expiresAt":"2030-01-01T12:00:00Z","active":true,
"participants":[{"userId":7,"nickname":"ana","profilePictureUrl":"/uploads/a.png"}]}`

func TestFetchActiveChat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chats/current", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, chatJSON)
	})
	c, _ := newTestClient(t, mux, "tok")

	cs, err := c.FetchActiveChat(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Equal(t, "42", cs.ID)
	require.Equal(t, "climbing", cs.Topic)
	require.True(t, cs.Active)
	require.Len(t, cs.Participants, 1)
	require.Equal(t, "7", cs.Participants[0].ID)
}

func TestFetchActiveChat_NoChat(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotFound} {
		status := status
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}), "tok")
		cs, err := c.FetchActiveChat(context.Background())
		require.NoError(t, err, "status %d", status)
		require.Nil(t, cs)
	}
}

func TestFailsFastWithoutCredential(t *testing.T) {
	c, hits := newTestClient(t, http.NotFoundHandler(), "")

	_, err := c.FetchActiveChat(context.Background())
	require.True(t, errors.Is(err, chat.ErrUnauthenticated))
	_, err = c.Leave(context.Background(), "42")
	require.True(t, errors.Is(err, chat.ErrUnauthenticated))
	_, err = c.UploadImage(context.Background(), "42", "a.png", bytes.NewReader(pngBytes(t)))
	require.True(t, errors.Is(err, chat.ErrUnauthenticated))
	require.Empty(t, c.FetchHistory(context.Background(), "42"))

	require.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestAuthorizationRejected(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		status := status
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}), "tok")
		_, err := c.FetchChatByID(context.Background(), "42")
		require.True(t, errors.Is(err, chat.ErrAuthorizationRejected), "status %d", status)
		require.True(t, chat.Fatal(err))
	}
}

func TestFetchChatByID_NotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Chat not found"}`)
	}), "tok")
	_, err := c.FetchChatByID(context.Background(), "9")
	require.True(t, errors.Is(err, chat.ErrNotFound))
	require.Contains(t, err.Error(), "Chat not found")
}

func TestFetchHistory_DropsMalformedEntries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chats/42/messages", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[
			{"id":1,"senderId":7,"senderNickname":"ana","messageType":"TEXT","contentText":"hi","sentAt":"2030-01-01T10:00:00Z"},
			{"id":2,"senderId":7,"senderNickname":"ana","messageType":"TEXT","contentText":"","sentAt":"2030-01-01T10:01:00Z"},
			{"id":3,"senderId":8,"senderNickname":"bo","messageType":"JOIN","sentAt":"2030-01-01T10:02:00Z"}
		]`)
	})
	c, _ := newTestClient(t, mux, "tok")

	msgs := c.FetchHistory(context.Background(), "42")
	require.Len(t, msgs, 2)
	require.Equal(t, "1", msgs[0].ID)
	require.Equal(t, chat.KindJoin, msgs[1].Kind)
}

func TestFetchHistory_FailureDegradesToEmpty(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}), "tok")
	msgs := c.FetchHistory(context.Background(), "42")
	require.NotNil(t, msgs)
	require.Empty(t, msgs)
}

func TestLeave_ReturnsServerMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chats/42/leave", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_, _ = io.WriteString(w, "You left the chat")
	})
	c, _ := newTestClient(t, mux, "tok")
	msg, err := c.Leave(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "You left the chat", msg)
}

func TestCreateAndJoin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chats", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"chatName":"Climbers","primaryInterestId":3}`, string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, chatJSON)
	})
	mux.HandleFunc("/api/chats/join/3", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, chatJSON)
	})
	c, _ := newTestClient(t, mux, "tok")

	cs, err := c.CreateChat(context.Background(), " Climbers ", 3)
	require.NoError(t, err)
	require.Equal(t, "42", cs.ID)

	cs, err = c.JoinByInterest(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, "Climbers", cs.Name)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadImage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chats/42/messages/image", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		require.Equal(t, "cat.png", hdr.Filename)
		require.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		_, _ = io.WriteString(w, `{"id":5,"senderId":7,"senderNickname":"ana","messageType":"IMAGE",
			"contentImageUrl":"/uploads/cat.png","sentAt":"2030-01-01T10:00:00Z"}`)
	})
	c, _ := newTestClient(t, mux, "tok")

	m, err := c.UploadImage(context.Background(), "42", "/tmp/cat.png", bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)
	require.Equal(t, chat.KindImage, m.Kind)
	require.Equal(t, "/uploads/cat.png", *m.ImageRef)
}

func TestUploadImage_RejectsLocally(t *testing.T) {
	c, hits := newTestClient(t, http.NotFoundHandler(), "tok")

	_, err := c.UploadImage(context.Background(), "42", "notes.txt", bytes.NewReader([]byte("plain text")))
	require.True(t, errors.Is(err, chat.ErrValidation))

	big := append(pngBytes(t), make([]byte, MaxImageBytes)...)
	_, err = c.UploadImage(context.Background(), "42", "big.png", bytes.NewReader(big))
	require.True(t, errors.Is(err, chat.ErrValidation))

	require.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestResolveImageURL(t *testing.T) {
	c, err := New("https://chat.example.com/api/", fixedCreds{})
	require.NoError(t, err)

	require.Equal(t, "https://chat.example.com/uploads/a.png", c.ResolveImageURL("/uploads/a.png"))
	require.Equal(t, "https://chat.example.com/uploads/a.png", c.ResolveImageURL("uploads/a.png"))
	require.Equal(t, "https://cdn.example.com/x.png", c.ResolveImageURL("https://cdn.example.com/x.png"))
	require.Empty(t, c.ResolveImageURL(""))
}
