// Package chattest is an in-memory omegachat backend. It speaks the same
// REST and WebSocket API as the production server and adds hooks for
// injecting failures, missed events and dropped connections in tests.
package chattest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

// DefaultUploadLimit matches the production server.
const DefaultUploadLimit = 100 * 1024 * 1024

// AllowedTypes is the upload allow-list.
var AllowedTypes = map[string]string{
	"image/jpeg":      "image",
	"image/png":       "image",
	"image/gif":       "image",
	"image/webp":      "image",
	"video/mp4":       "video",
	"video/avi":       "video",
	"video/x-msvideo": "video",
	"video/mov":       "video",
	"video/quicktime": "video",
	"video/wmv":       "video",
	"video/x-ms-wmv":  "video",
	"application/pdf": "document",
	"text/plain":      "document",
}

// User is the public user record.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Mobile    string `json:"mobile,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Online    bool   `json:"online"`
}

// Message is the stored message record, serialized as the API sends it.
type Message struct {
	ID        string `json:"_id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Message   string `json:"message,omitempty"`
	FileURL   string `json:"fileUrl,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileType  string `json:"fileType,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	Timestamp string `json:"timestamp"`
	Edited    bool   `json:"edited,omitempty"`
	EditedAt  string `json:"editedAt,omitempty"`

	created time.Time
}

type account struct {
	User
	hash []byte
}

type upload struct {
	contentType string
	data        []byte
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger routes server logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithUploadLimit sets the upload size ceiling in bytes.
func WithUploadLimit(n int64) Option {
	return func(s *Server) { s.uploadLimit = n }
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Server) { s.bcryptCost = cost }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server is the in-memory backend. It implements http.Handler.
type Server struct {
	logger      *slog.Logger
	uploadLimit int64
	bcryptCost  int
	now         func() time.Time
	router      chi.Router
	hub         *hub
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	accounts map[string]*account
	byEmail  map[string]string
	tokens   map[string]string
	messages map[string]*Message
	uploads  map[string]upload
	failures map[string]int
}

// New creates a server with no users.
func New(opts ...Option) *Server {
	s := &Server{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		uploadLimit: DefaultUploadLimit,
		bcryptCost:  bcrypt.DefaultCost,
		now:         time.Now,
		accounts:    make(map[string]*account),
		byEmail:     make(map[string]string),
		tokens:      make(map[string]string),
		messages:    make(map[string]*Message),
		uploads:     make(map[string]upload),
		failures:    make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.logger)
	s.router = s.routes()
	return s
}

// NewTestServer starts s on an httptest server that is closed when tb ends.
func NewTestServer(tb testing.TB, opts ...Option) (*Server, *httptest.Server) {
	tb.Helper()
	opts = append([]Option{WithBcryptCost(bcrypt.MinCost)}, opts...)
	s := New(opts...)
	ts := httptest.NewServer(s)
	tb.Cleanup(func() {
		s.DropConnections()
		ts.Close()
	})
	return s, ts
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.injectFailures)

	r.Post("/api/signup", s.handleSignup)
	r.Post("/api/login", s.handleLogin)
	r.Get("/uploads/{name}", s.handleServeUpload)
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api/me", s.handleMe)
		r.Get("/api/users", s.handleUsers)
		r.Put("/api/user/profile", s.handleProfile)
		r.Put("/api/user/password", s.handlePassword)
		r.Get("/api/messages/search", s.handleSearch)
		r.Get("/api/messages/{counterpart}", s.handleHistory)
		r.Post("/api/messages", s.handleCreate)
		r.Patch("/api/messages/{id}", s.handleEdit)
		r.Delete("/api/messages/{id}", s.handleDelete)
		r.Post("/api/upload", s.handleUpload)
	})
	return r
}

// ============================================================================
// Test hooks
// ============================================================================

// FailNext makes the next request to path answer with status.
func (s *Server) FailNext(path string, status int) {
	s.mu.Lock()
	s.failures[path] = status
	s.mu.Unlock()
}

// Broadcast sends a raw event to every connection of userID.
func (s *Server) Broadcast(userID, eventType string, payload any) {
	s.hub.sendTo(eventType, payload, userID)
}

// DropConnections closes every WebSocket without a close frame, as a
// network failure would.
func (s *Server) DropConnections() {
	s.hub.dropAll()
}

// InsertMessage stores a message without emitting any event, the way a
// message sent while a client was offline looks to that client.
func (s *Server) InsertMessage(sender, receiver, text string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.newMessageLocked(sender, receiver, text)
	return *m
}

// CreateUser registers an account directly.
func (s *Server) CreateUser(name, email, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUserLocked(name, email, "", hash)
}

// IssueToken returns a fresh bearer token for userID.
func (s *Server) IssueToken(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueTokenLocked(userID)
}

// RevokeToken invalidates token. Live WebSockets using it get an
// UNAUTHORIZED error frame.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	s.hub.revoke(token)
}

// Messages returns every stored message in creation order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	sortMessages(out)
	return out
}

// Online reports whether userID has a live WebSocket.
func (s *Server) Online(userID string) bool {
	return s.hub.online(userID)
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &apiError{Code: code, Message: msg}})
}

func codeFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusBadRequest:
		return "INVALID_INPUT"
	default:
		return "INTERNAL"
	}
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status, ok := s.failures[r.URL.Path]
		if ok {
			delete(s.failures, r.URL.Path)
		}
		s.mu.Unlock()
		if ok {
			writeError(w, status, codeFor(status), "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey struct{}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	return id, ok
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), userID)))
	})
}

func (s *Server) createUserLocked(name, email, mobile string, hash []byte) (User, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if _, exists := s.byEmail[key]; exists {
		return User{}, errEmailTaken
	}
	a := &account{User: User{ID: uuid.NewString(), Name: name, Email: strings.TrimSpace(email), Mobile: mobile}, hash: hash}
	s.accounts[a.ID] = a
	s.byEmail[key] = a.ID
	return a.User, nil
}

var errEmailTaken = errors.New("email already registered")

func (s *Server) issueTokenLocked(userID string) string {
	token := "tok-" + uuid.NewString()
	s.tokens[token] = userID
	return token
}

func (s *Server) newMessageLocked(sender, receiver, text string) *Message {
	now := s.now().UTC()
	m := &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Message:   text,
		Timestamp: now.Format(time.RFC3339Nano),
		created:   now,
	}
	s.messages[m.ID] = m
	return m
}

func (s *Server) publicUser(a *account) User {
	u := a.User
	u.Online = s.hub.online(u.ID)
	return u
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].created.Equal(msgs[j].created) {
			return msgs[i].created.Before(msgs[j].created)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func detectType(name string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".wmv":
		return "video/x-ms-wmv"
	case ".webp":
		return "image/webp"
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		t = http.DetectContentType(data)
	}
	if idx := strings.Index(t, ";"); idx > 0 {
		t = strings.TrimSpace(t[:idx])
	}
	return t
}
