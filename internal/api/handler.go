package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/RichardoC/padi-chat/internal/conversation"
	"github.com/RichardoC/padi-chat/internal/models"
	"github.com/RichardoC/padi-chat/internal/queue"
	"github.com/RichardoC/padi-chat/internal/users"
	"github.com/RichardoC/padi-chat/internal/worker"
)

// UserHeader carries the caller's user id, set by whatever authenticated
// the request upstream.
const UserHeader = "X-User-ID"

// Chat is the conversation and queue surface the handlers call.
type Chat interface {
	CreateConversation(ctx context.Context, userID string) (models.Conversation, error)
	GetConversation(ctx context.Context, id, userID string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	RenameConversation(ctx context.Context, id, userID, title string) (models.Conversation, error)
	DeleteConversation(ctx context.Context, id, userID string) error
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	Submit(ctx context.Context, userID, conversationID, text string) (models.QueueItem, error)
	QueueItem(ctx context.Context, id string) (models.QueueItem, error)
	QueuePosition(ctx context.Context, id string) (int, bool, error)
	ListQueue(ctx context.Context, userID string) ([]models.QueueItem, error)
	Models(ctx context.Context) ([]string, bool)
	Model() string
}

type Accounts interface {
	Register(ctx context.Context, username, password string) (models.User, error)
	Authenticate(ctx context.Context, username, password string) (models.User, error)
	Get(ctx context.Context, id string) (models.User, bool, error)
}

type Handler struct {
	chat     Chat
	accounts Accounts
	logger   *zap.Logger
}

func NewHandler(chat Chat, accounts Accounts, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chat:     chat,
		accounts: accounts,
		logger:   logger.Named("api"),
	}
}

// Routes adds the API routes to mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/users", h.RegisterUser)
	mux.HandleFunc("POST /api/login", h.Login)
	mux.HandleFunc("GET /api/users/me", h.withUser(h.CurrentUser))

	mux.HandleFunc("POST /api/conversations", h.withUser(h.CreateConversation))
	mux.HandleFunc("GET /api/conversations", h.withUser(h.ListConversations))
	mux.HandleFunc("GET /api/conversations/{id}", h.withUser(h.GetConversation))
	mux.HandleFunc("PUT /api/conversations/{id}", h.withUser(h.UpdateConversation))
	mux.HandleFunc("DELETE /api/conversations/{id}", h.withUser(h.DeleteConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.withUser(h.GetMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.withUser(h.HandleMessage))

	mux.HandleFunc("GET /api/queue", h.withUser(h.ListQueue))
	mux.HandleFunc("GET /api/queue/{id}", h.withUser(h.GetQueueItem))

	mux.HandleFunc("GET /api/models", h.ListModels)
}

type userHandlerFunc func(w http.ResponseWriter, r *http.Request, userID string)

func (h *Handler) withUser(next userHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			http.Error(w, "Missing "+UserHeader+" header", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserResponse is a user without the password hash.
type UserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type MessageRequest struct {
	Content string `json:"content"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// QueueItemResponse pairs an item with its place in line. Position is
// omitted once the item has left Pending.
type QueueItemResponse struct {
	Item     models.QueueItem `json:"item"`
	Position int              `json:"position,omitempty"`
}

type ModelsResponse struct {
	Available bool     `json:"available"`
	Default   string   `json:"default"`
	Models    []string `json:"models"`
}

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, "Failed to register user", err)
		return
	}
	h.respond(w, http.StatusCreated, userResponse(user))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, "Failed to authenticate", err)
		return
	}
	h.respond(w, http.StatusOK, userResponse(user))
}

// CurrentUser returns the account named by the identity header.
func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request, userID string) {
	user, ok, err := h.accounts.Get(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "Failed to get user", err)
		return
	}
	if !ok {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	h.respond(w, http.StatusOK, userResponse(user))
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	conv, err := h.chat.CreateConversation(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "Failed to create conversation", err)
		return
	}
	h.respond(w, http.StatusCreated, conv)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	conversations, err := h.chat.ListConversations(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "Failed to get conversations", err)
		return
	}
	h.logger.Debug("Retrieved conversations",
		zap.Int("count", len(conversations)),
		zap.String("user_id", userID))
	h.respond(w, http.StatusOK, conversations)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request, userID string) {
	conv, err := h.chat.GetConversation(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.fail(w, r, "Failed to get conversation", err)
		return
	}
	h.respond(w, http.StatusOK, conv)
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req UpdateConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := h.chat.RenameConversation(r.Context(), r.PathValue("id"), userID, req.Title)
	if err != nil {
		h.fail(w, r, "Failed to update conversation", err)
		return
	}
	h.respond(w, http.StatusOK, conv)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.chat.DeleteConversation(r.Context(), r.PathValue("id"), userID); err != nil {
		h.fail(w, r, "Failed to delete conversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request, userID string) {
	conv, err := h.chat.GetConversation(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.fail(w, r, "Failed to get messages", err)
		return
	}
	messages, err := h.chat.ListMessages(r.Context(), conv.ID)
	if err != nil {
		h.fail(w, r, "Failed to get messages", err)
		return
	}
	h.respond(w, http.StatusOK, messages)
}

// HandleMessage queues a user message and answers 202 with the queue item;
// the reply shows up in the message list once the item completes.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req MessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.chat.Submit(r.Context(), userID, r.PathValue("id"), req.Content)
	if err != nil {
		h.fail(w, r, "Failed to submit message", err)
		return
	}
	resp, err := h.queueItemResponse(r.Context(), item)
	if err != nil {
		h.fail(w, r, "Failed to get queue position", err)
		return
	}
	h.respond(w, http.StatusAccepted, resp)
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request, userID string) {
	items, err := h.chat.ListQueue(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "Failed to list queue", err)
		return
	}
	h.respond(w, http.StatusOK, items)
}

func (h *Handler) GetQueueItem(w http.ResponseWriter, r *http.Request, userID string) {
	item, err := h.chat.QueueItem(r.Context(), r.PathValue("id"))
	if err == nil && item.UserID != userID {
		err = queue.ErrNotFound
	}
	if err != nil {
		h.fail(w, r, "Failed to get queue item", err)
		return
	}
	resp, err := h.queueItemResponse(r.Context(), item)
	if err != nil {
		h.fail(w, r, "Failed to get queue position", err)
		return
	}
	h.respond(w, http.StatusOK, resp)
}

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	names, ok := h.chat.Models(r.Context())
	h.respond(w, http.StatusOK, ModelsResponse{
		Available: ok,
		Default:   h.chat.Model(),
		Models:    names,
	})
}

func (h *Handler) queueItemResponse(ctx context.Context, item models.QueueItem) (QueueItemResponse, error) {
	pos, _, err := h.chat.QueuePosition(ctx, item.ID)
	if err != nil {
		return QueueItemResponse{}, err
	}
	return QueueItemResponse{Item: item, Position: pos}, nil
}

func userResponse(u models.User) UserResponse {
	return UserResponse{ID: u.ID, Username: u.Username, Role: u.Role}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// fail maps err to a status code. Only unexpected errors are logged and
// their detail is kept out of the response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var status int
	switch {
	case errors.Is(err, worker.ErrValidation), errors.Is(err, users.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, users.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, users.ErrDuplicateUsername):
		status = http.StatusConflict
	default:
		h.logger.Error(msg,
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	http.Error(w, err.Error(), status)
}
