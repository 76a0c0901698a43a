package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/RichardoC/padi-chat/internal/conversation"
	"github.com/RichardoC/padi-chat/internal/docstore"
	"github.com/RichardoC/padi-chat/internal/llm"
	"github.com/RichardoC/padi-chat/internal/models"
	"github.com/RichardoC/padi-chat/internal/queue"
	"github.com/RichardoC/padi-chat/internal/users"
	"github.com/RichardoC/padi-chat/internal/worker"
)

type echoProvider struct {
	models []string
}

func (echoProvider) Generate(_ context.Context, prompt, _ string) (string, error) {
	return "echo: " + prompt, nil
}

func (echoProvider) IsAvailable(context.Context) bool { return true }

func (p echoProvider) ListModels(context.Context) ([]string, error) {
	if p.models == nil {
		return nil, llm.ErrUnavailable
	}
	return p.models, nil
}

func (echoProvider) DefaultModel() string { return "echo-1" }

type testServer struct {
	*httptest.Server
	worker *worker.Worker
}

func newTestServer(t *testing.T, provider llm.Provider) *testServer {
	t.Helper()
	docs := docstore.New(docstore.NewFileBackend(filepath.Join(t.TempDir(), "data")), nil)
	w := worker.New(
		conversation.New(docs, nil),
		queue.New(docs, nil),
		provider, nil, worker.Options{}, nil)
	accounts := users.New(docs, nil, users.WithCost(bcrypt.MinCost))

	mux := http.NewServeMux()
	NewHandler(w, accounts, nil).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, worker: w}
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t, echoProvider{})

	resp := s.do(t, http.MethodPost, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[models.Conversation](t, resp)
	assert.Equal(t, models.DefaultTitle, conv.Title)

	resp = s.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice",
		MessageRequest{Content: "Hello there"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	queued := decodeBody[QueueItemResponse](t, resp)
	assert.Equal(t, models.StatusPending, queued.Item.Status)
	assert.Equal(t, 1, queued.Position)

	processed, err := s.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	resp = s.do(t, http.MethodGet, "/api/queue/"+queued.Item.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decodeBody[QueueItemResponse](t, resp)
	assert.Equal(t, models.StatusCompleted, done.Item.Status)
	assert.Zero(t, done.Position)

	resp = s.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeBody[[]models.Message](t, resp)
	require.Len(t, msgs, 2)
	assert.Equal(t, "echo: Hello there", msgs[1].Content)

	resp = s.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello there", decodeBody[models.Conversation](t, resp).Title)

	resp = s.do(t, http.MethodPut, "/api/conversations/"+conv.ID, "alice",
		UpdateConversationRequest{Title: "Greetings"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Greetings", decodeBody[models.Conversation](t, resp).Title)

	resp = s.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]models.Conversation](t, resp), 1)

	resp = s.do(t, http.MethodGet, "/api/queue", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]models.QueueItem](t, resp), 1)

	resp = s.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOwnershipAndIdentity(t *testing.T) {
	s := newTestServer(t, echoProvider{})

	resp := s.do(t, http.MethodPost, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[models.Conversation](t, resp)

	resp = s.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice",
		MessageRequest{Content: "private"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	item := decodeBody[QueueItemResponse](t, resp).Item

	for _, path := range []string{
		"/api/conversations/" + conv.ID,
		"/api/conversations/" + conv.ID + "/messages",
		"/api/queue/" + item.ID,
	} {
		resp = s.do(t, http.MethodGet, path, "mallory", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp = s.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "mallory",
		MessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleMessage_Validation(t *testing.T) {
	s := newTestServer(t, echoProvider{})

	resp := s.do(t, http.MethodPost, "/api/conversations", "alice", nil)
	conv := decodeBody[models.Conversation](t, resp)

	resp = s.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice",
		MessageRequest{Content: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/conversations/"+conv.ID+"/messages",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set(UserHeader, "alice")
	raw, err := s.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestUsers(t *testing.T) {
	s := newTestServer(t, echoProvider{})

	resp := s.do(t, http.MethodPost, "/api/users", "", CredentialsRequest{Username: "alice", Password: "hunter22"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "alice", created["username"])
	assert.NotContains(t, created, "passwordHash")

	resp = s.do(t, http.MethodPost, "/api/users", "", CredentialsRequest{Username: "Alice", Password: "hunter22"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/users", "", CredentialsRequest{Username: "bob", Password: "123"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/login", "", CredentialsRequest{Username: "ALICE", Password: "hunter22"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created["id"], decodeBody[UserResponse](t, resp).ID)

	resp = s.do(t, http.MethodPost, "/api/login", "", CredentialsRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/users/me", created["id"].(string), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, UserResponse{ID: created["id"].(string), Username: "alice", Role: users.DefaultRole},
		decodeBody[UserResponse](t, resp))

	resp = s.do(t, http.MethodGet, "/api/users/me", "nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.do(t, http.MethodGet, "/api/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListModels(t *testing.T) {
	s := newTestServer(t, echoProvider{models: []string{"echo-1", "echo-2"}})
	resp := s.do(t, http.MethodGet, "/api/models", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ModelsResponse{Available: true, Default: "echo-1", Models: []string{"echo-1", "echo-2"}},
		decodeBody[ModelsResponse](t, resp))

	down := newTestServer(t, echoProvider{})
	resp = down.do(t, http.MethodGet, "/api/models", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ModelsResponse{Available: false, Default: "echo-1", Models: []string{}},
		decodeBody[ModelsResponse](t, resp))
}
