package chattest

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

func call(t *testing.T, ts *httptest.Server, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for {
		if f := readFrame(t, conn); f.Type == typ {
			return f
		}
	}
}

// ============================================================================
// REST
// ============================================================================

func TestSignupAndLogin(t *testing.T) {
	_, ts := NewTestServer(t)

	status, env := call(t, ts, http.MethodPost, "/api/signup", "", map[string]string{
		"name": "Alice", "email": "alice@example.com", "password": "pw",
	})
	if status != http.StatusCreated || !env.OK {
		t.Fatalf("signup = %d %+v", status, env.Error)
	}

	status, env = call(t, ts, http.MethodPost, "/api/signup", "", map[string]string{
		"name": "Alice", "email": "ALICE@example.com", "password": "pw",
	})
	if status != http.StatusConflict || env.Error == nil || env.Error.Code != "EMAIL_TAKEN" {
		t.Errorf("duplicate signup = %d %+v", status, env.Error)
	}

	status, _ = call(t, ts, http.MethodPost, "/api/login", "", map[string]string{"email": "alice@example.com", "password": "nope"})
	if status != http.StatusUnauthorized {
		t.Errorf("bad login = %d", status)
	}
	status, env = call(t, ts, http.MethodPost, "/api/login", "", map[string]string{"email": "alice@example.com", "password": "pw"})
	if status != http.StatusOK {
		t.Fatalf("login = %d", status)
	}
	data, _ := json.Marshal(env.Data)
	var auth authResponse
	_ = json.Unmarshal(data, &auth)
	if auth.Token == "" || auth.User.Email != "alice@example.com" {
		t.Errorf("auth = %+v", auth)
	}

	if status, _ := call(t, ts, http.MethodGet, "/api/me", "", nil); status != http.StatusUnauthorized {
		t.Errorf("me without token = %d", status)
	}
	if status, _ := call(t, ts, http.MethodGet, "/api/me", auth.Token, nil); status != http.StatusOK {
		t.Errorf("me = %d", status)
	}
}

func TestChangePassword(t *testing.T) {
	s, ts := NewTestServer(t)
	u, _ := s.CreateUser("Alice", "alice@example.com", "secret")
	tok := s.IssueToken(u.ID)
	path := "/api/user/password"

	status, env := call(t, ts, http.MethodPut, path, tok, map[string]string{"currentPassword": "nope", "newPassword": "hunter22"})
	if status != http.StatusBadRequest || env.Error == nil || env.Error.Code != "WRONG_PASSWORD" {
		t.Errorf("wrong current = %d %+v", status, env.Error)
	}
	if status, _ := call(t, ts, http.MethodPut, path, tok, map[string]string{"currentPassword": "secret", "newPassword": "abc"}); status != http.StatusBadRequest {
		t.Errorf("short password = %d", status)
	}
	if status, _ := call(t, ts, http.MethodPut, path, "", map[string]string{"currentPassword": "secret", "newPassword": "hunter22"}); status != http.StatusUnauthorized {
		t.Errorf("no token = %d", status)
	}
	if status, _ := call(t, ts, http.MethodPut, path, tok, map[string]string{"currentPassword": "secret", "newPassword": "hunter22"}); status != http.StatusOK {
		t.Fatalf("change = %d", status)
	}
	if status, _ := call(t, ts, http.MethodPost, "/api/login", "", map[string]string{"email": "alice@example.com", "password": "hunter22"}); status != http.StatusOK {
		t.Errorf("login with new password = %d", status)
	}
	if status, _ := call(t, ts, http.MethodGet, "/api/me", tok, nil); status != http.StatusOK {
		t.Errorf("token revoked by password change: %d", status)
	}
}

func TestMessageRules(t *testing.T) {
	s, ts := NewTestServer(t)
	alice, _ := s.CreateUser("Alice", "alice@example.com", "pw")
	bob, _ := s.CreateUser("Bob", "bob@example.com", "pw")
	aliceTok := s.IssueToken(alice.ID)
	bobTok := s.IssueToken(bob.ID)

	status, env := call(t, ts, http.MethodPost, "/api/messages", aliceTok, map[string]string{"receiver": bob.ID, "message": "hi"})
	if status != http.StatusCreated {
		t.Fatalf("create = %d %+v", status, env.Error)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Sender != alice.ID {
		t.Fatalf("stored = %+v", msgs)
	}
	id := msgs[0].ID

	if status, _ := call(t, ts, http.MethodPost, "/api/messages", aliceTok, map[string]string{"receiver": bob.ID}); status != http.StatusBadRequest {
		t.Errorf("empty create = %d", status)
	}
	if status, _ := call(t, ts, http.MethodPatch, "/api/messages/"+id, bobTok, map[string]string{"message": "x"}); status != http.StatusForbidden {
		t.Errorf("foreign edit = %d", status)
	}
	if status, _ := call(t, ts, http.MethodDelete, "/api/messages/"+id, bobTok, nil); status != http.StatusForbidden {
		t.Errorf("foreign delete = %d", status)
	}
	if status, _ := call(t, ts, http.MethodDelete, "/api/messages/"+id, aliceTok, nil); status != http.StatusOK {
		t.Errorf("delete = %d", status)
	}
	if status, _ := call(t, ts, http.MethodDelete, "/api/messages/"+id, aliceTok, nil); status != http.StatusNotFound {
		t.Errorf("second delete = %d", status)
	}
}

func TestFailNext(t *testing.T) {
	s, ts := NewTestServer(t)
	u, _ := s.CreateUser("Alice", "alice@example.com", "pw")
	tok := s.IssueToken(u.ID)

	s.FailNext("/api/users", http.StatusServiceUnavailable)
	if status, _ := call(t, ts, http.MethodGet, "/api/users", tok, nil); status != http.StatusServiceUnavailable {
		t.Errorf("injected = %d", status)
	}
	if status, _ := call(t, ts, http.MethodGet, "/api/users", tok, nil); status != http.StatusOK {
		t.Errorf("after injection = %d", status)
	}
}

func TestUploadRejectsDisallowedType(t *testing.T) {
	s, ts := NewTestServer(t)
	u, _ := s.CreateUser("Alice", "alice@example.com", "pw")
	tok := s.IssueToken(u.ID)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, _ := w.CreateFormFile("file", "setup.exe")
	_, _ = part.Write([]byte("MZ\x90\x00"))
	_ = w.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// ============================================================================
// WebSocket
// ============================================================================

func TestWebSocket(t *testing.T) {
	s, ts := NewTestServer(t)
	alice, _ := s.CreateUser("Alice", "alice@example.com", "pw")
	bob, _ := s.CreateUser("Bob", "bob@example.com", "pw")
	aliceTok := s.IssueToken(alice.ID)
	bobTok := s.IssueToken(bob.ID)

	t.Run("rejects unknown token", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=bogus"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatal("dial succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("resp = %+v", resp)
		}
	})

	a := dialWS(t, ts, aliceTok)
	if f := readFrame(t, a); f.Type != "authenticated" {
		t.Fatalf("first frame = %s", f.Type)
	}
	if !s.Online(alice.ID) {
		t.Error("alice not online")
	}

	b := dialWS(t, ts, bobTok)
	readUntil(t, b, "authenticated")
	f := readUntil(t, a, "presence.changed")
	if !strings.Contains(string(f.Payload), bob.ID) {
		t.Errorf("presence payload = %s", f.Payload)
	}
	f = readUntil(t, b, "presence.changed")
	if !strings.Contains(string(f.Payload), alice.ID) {
		t.Errorf("bob did not learn alice is online: %s", f.Payload)
	}

	t.Run("ping", func(t *testing.T) {
		if err := a.WriteJSON(frame{Type: "ping", RequestID: "p1"}); err != nil {
			t.Fatal(err)
		}
		if f := readUntil(t, a, "pong"); f.RequestID != "p1" {
			t.Errorf("pong request id = %q", f.RequestID)
		}
	})

	t.Run("typing is relayed to the target", func(t *testing.T) {
		if err := a.WriteJSON(map[string]any{"type": "typing.start", "payload": map[string]string{"to": bob.ID}}); err != nil {
			t.Fatal(err)
		}
		f := readUntil(t, b, "typing.started")
		if !strings.Contains(string(f.Payload), alice.ID) {
			t.Errorf("typing payload = %s", f.Payload)
		}
	})

	t.Run("create reaches both sides", func(t *testing.T) {
		if status, _ := call(t, ts, http.MethodPost, "/api/messages", aliceTok, map[string]string{"receiver": bob.ID, "message": "yo"}); status != http.StatusCreated {
			t.Fatalf("create = %d", status)
		}
		readUntil(t, a, "message.created")
		readUntil(t, b, "message.created")
	})

	t.Run("revoke sends an error frame", func(t *testing.T) {
		s.RevokeToken(bobTok)
		f := readUntil(t, b, "error")
		if !strings.Contains(string(f.Payload), "UNAUTHORIZED") {
			t.Errorf("error payload = %s", f.Payload)
		}
	})
}
