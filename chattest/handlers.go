package chattest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

func contextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

type authResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// ============================================================================
// Auth and users
// ============================================================================

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Mobile   string `json:"mobile"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid body")
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "name, email and password are required")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "hash password")
		return
	}

	s.mu.Lock()
	u, err := s.createUserLocked(req.Name, req.Email, req.Mobile, hash)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "EMAIL_TAKEN", err.Error())
		return
	}
	token := s.issueTokenLocked(u.ID)
	s.mu.Unlock()

	s.logger.Info("user signed up", "user", u.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: u})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid body")
		return
	}

	s.mu.Lock()
	a, ok := s.accounts[s.byEmail[strings.ToLower(strings.TrimSpace(req.Email))]]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid email or password")
		return
	}

	s.mu.Lock()
	token := s.issueTokenLocked(a.ID)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: s.publicUser(a)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	a, ok := s.accounts[userFrom(r)]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, s.publicUser(a))
}

// handleUsers lists every account, the caller included, ordered by name.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	accounts := make([]*account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	s.mu.Unlock()

	users := make([]User, 0, len(accounts))
	for _, a := range accounts {
		users = append(users, s.publicUser(a))
	}
	sortUsers(users)
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		Mobile    string `json:"mobile"`
		AvatarURL string `json:"avatarUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid body")
		return
	}
	s.mu.Lock()
	a, ok := s.accounts[userFrom(r)]
	if ok {
		if req.Name != "" {
			a.Name = req.Name
		}
		if req.Mobile != "" {
			a.Mobile = req.Mobile
		}
		if req.AvatarURL != "" {
			a.AvatarURL = req.AvatarURL
		}
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, s.publicUser(a))
}

// MinPasswordLength is the shortest new password handlePassword accepts.
const MinPasswordLength = 6

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid body")
		return
	}
	if len(req.NewPassword) < MinPasswordLength {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "new password is too short")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.bcryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "hash password")
		return
	}

	s.mu.Lock()
	a, ok := s.accounts[userFrom(r)]
	switch {
	case !ok:
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown user")
		return
	case bcrypt.CompareHashAndPassword(a.hash, []byte(req.CurrentPassword)) != nil:
		s.mu.Unlock()
		// 400: a 401 would sign the client out.
		writeError(w, http.StatusBadRequest, "WRONG_PASSWORD", "current password is incorrect")
		return
	}
	a.hash = hash
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// ============================================================================
// Messages
// ============================================================================

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	self := userFrom(r)
	other := chi.URLParam(r, "counterpart")

	s.mu.Lock()
	out := make([]Message, 0)
	for _, m := range s.messages {
		if (m.Sender == self && m.Receiver == other) || (m.Sender == other && m.Receiver == self) {
			out = append(out, *m)
		}
	}
	s.mu.Unlock()
	sortMessages(out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	self := userFrom(r)
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("query")))
	if q == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "query is required")
		return
	}
	s.mu.Lock()
	out := make([]Message, 0)
	for _, m := range s.messages {
		if m.Sender != self && m.Receiver != self {
			continue
		}
		if strings.Contains(strings.ToLower(m.Message), q) || strings.Contains(strings.ToLower(m.FileName), q) {
			out = append(out, *m)
		}
	}
	s.mu.Unlock()
	sortMessages(out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	self := userFrom(r)
	var req struct {
		Receiver string `json:"receiver"`
		Message  string `json:"message"`
		FileURL  string `json:"fileUrl"`
		FileName string `json:"fileName"`
		FileType string `json:"fileType"`
		FileSize int64  `json:"fileSize"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid body")
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" && req.FileURL == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "message needs text or a file")
		return
	}

	s.mu.Lock()
	if _, ok := s.accounts[req.Receiver]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", "receiver not found")
		return
	}
	m := s.newMessageLocked(self, req.Receiver, text)
	m.FileURL, m.FileName, m.FileType, m.FileSize = req.FileURL, req.FileName, req.FileType, req.FileSize
	out := *m
	s.hub.sendTo("message.created", out, self, req.Receiver)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	self := userFrom(r)
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid body")
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "message cannot be empty")
		return
	}

	s.mu.Lock()
	m, ok := s.messages[chi.URLParam(r, "id")]
	switch {
	case !ok:
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", "message not found")
		return
	case m.Sender != self:
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "FORBIDDEN", "only the sender can edit a message")
		return
	}
	m.Message = text
	m.Edited = true
	m.EditedAt = s.now().UTC().Format(time.RFC3339Nano)
	out := *m
	s.hub.sendTo("message.updated", out, m.Sender, m.Receiver)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	self := userFrom(r)
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	m, ok := s.messages[id]
	switch {
	case !ok:
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", "message not found")
		return
	case m.Sender != self:
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "FORBIDDEN", "only the sender can delete a message")
		return
	}
	delete(s.messages, id)
	s.hub.sendTo("message.deleted", map[string]string{"messageId": id}, m.Sender, m.Receiver)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"messageId": id})
}

// ============================================================================
// Uploads
// ============================================================================

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit+1024*1024)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.uploadLimit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "read file")
		return
	}
	if int64(len(data)) > s.uploadLimit {
		writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file exceeds upload limit")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if _, ok := AllowedTypes[contentType]; !ok {
		contentType = detectType(header.Filename, data)
	}
	if _, ok := AllowedTypes[contentType]; !ok {
		writeError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA", "file type "+contentType+" is not allowed")
		return
	}

	name := uuid.NewString() + filepath.Ext(header.Filename)
	s.mu.Lock()
	s.uploads[name] = upload{contentType: contentType, data: data}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"fileUrl":  "http://" + r.Host + "/uploads/" + name,
		"fileName": header.Filename,
		"fileType": contentType,
		"fileSize": len(data),
	})
}

func (s *Server) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	up, ok := s.uploads[chi.URLParam(r, "name")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", up.contentType)
	_, _ = w.Write(up.data)
}

// ============================================================================
// WebSocket
// ============================================================================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade", "err", err)
		return
	}

	hello, _ := encodeFrame("authenticated", map[string]string{"userId": userID}, "")
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return
	}

	c := &wsConn{
		hub:    s.hub,
		conn:   conn,
		userID: userID,
		token:  tokenFrom(r),
		send:   make(chan []byte, sendBufSize),
		done:   make(chan struct{}),
	}
	if first := s.hub.register(c); first {
		s.hub.sendAllExcept("presence.changed", map[string]any{"userId": userID, "online": true}, userID)
	}
	for _, id := range s.hub.onlineUsers() {
		if id != userID {
			c.enqueue(mustFrame("presence.changed", map[string]any{"userId": id, "online": true}))
		}
	}
	s.logger.Debug("ws connected", "user", userID)

	go c.writePump()
	go func() {
		c.readPump(s.handleCommand)
		if last := s.hub.unregister(c); last {
			s.hub.sendAllExcept("presence.changed", map[string]any{"userId": userID, "online": false}, userID)
		}
		s.logger.Debug("ws disconnected", "user", userID)
	}()
}

func (s *Server) handleCommand(c *wsConn, f frame) {
	switch f.Type {
	case "ping":
		data, _ := encodeFrame("pong", map[string]string{"requestId": f.RequestID}, f.RequestID)
		c.enqueue(data)
	case "typing.start", "typing.stop":
		var p struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.To == "" {
			return
		}
		typ := "typing.started"
		if f.Type == "typing.stop" {
			typ = "typing.stopped"
		}
		s.hub.sendTo(typ, map[string]string{"userId": c.userID, "to": p.To}, p.To)
	default:
		s.logger.Debug("ws unknown command", "type", f.Type)
	}
}

func tokenFrom(r *http.Request) string {
	if t := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

func mustFrame(typ string, payload any) []byte {
	data, err := encodeFrame(typ, payload, "")
	if err != nil {
		panic(err)
	}
	return data
}

func sortUsers(users []User) {
	sort.SliceStable(users, func(i, j int) bool {
		return strings.ToLower(users[i].Name) < strings.ToLower(users[j].Name)
	})
}
