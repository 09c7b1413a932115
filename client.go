// Package omegachat is the Go SDK for the omegachat REST + WebSocket chat API.
//
// It covers authentication, the user directory, message history and
// mutations, file upload, the realtime event channel, and a reconciliation
// engine that folds fetched history and streamed events into one consistent
// conversation view.
//
// Example:
//
//	session := omegachat.NewSession(omegachat.NewFileStore(path))
//	client := omegachat.NewClient(session, omegachat.WithBaseURL("https://chat.example.com"))
//
//	me, _ := client.Auth.Login(ctx, "alice@example.com", "secret")
//	users, _ := client.Users.List(ctx)
//
//	engine, _ := client.NewEngine(nil)
//	rt := client.NewRealtime(nil)
//	engine.Bind(rt)
//	_ = rt.Connect(ctx)
//	_ = engine.Open(ctx, users[0].ID)
//	engine.Send(ctx, &omegachat.Draft{To: users[0].ID, Text: "hi"})
package omegachat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL     = "http://localhost:5000"
	DefaultTimeout     = 30 * time.Second
	DefaultUploadLimit = 100 * 1024 * 1024
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	session     *Session
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	uploadLimit int64

	Auth     *AuthClient
	Users    *UsersClient
	Messages *MessagesClient
	Files    *FilesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger routes SDK diagnostics to logger. The default discards them.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithUploadLimit sets the attachment size ceiling in bytes.
func WithUploadLimit(n int64) ClientOption {
	return func(c *Client) { c.uploadLimit = n }
}

// NewClient creates a client bound to session. A nil session gets an
// in-memory one.
func NewClient(session *Session, opts ...ClientOption) *Client {
	if session == nil {
		session = NewSession(nil)
	}
	c := &Client{
		session: session,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:      discardLogger(),
		uploadLimit: DefaultUploadLimit,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Files = &FilesClient{c: c}
	return c
}

// Session returns the session the client authenticates with.
func (c *Client) Session() *Session { return c.session }

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// send performs req and decodes the envelope. Non-OK responses come back as
// *APIError; a rejected token also clears the session.
func (c *Client) send(req *http.Request) (*Result, error) {
	op := req.Method + " " + req.URL.Path
	token, authed := c.session.Credential()
	if authed {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		return nil, networkError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(op, err)
	}
	c.logger.Debug("api request", "op", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("%s: failed to unmarshal response: %w", op, err)
		}
	}

	if resp.StatusCode >= 300 || !result.OK {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		apiErr.Status = resp.StatusCode
		if errors.Is(apiErr, ErrUnauthorized) && authed {
			c.logger.Warn("token rejected, clearing session", "op", op)
			if clearErr := c.session.Clear(req.Context()); clearErr != nil {
				c.logger.Error("session clear failed", "err", clearErr)
			}
		}
		return nil, fmt.Errorf("%s: %w", op, apiErr)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	req, err := c.newRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

func decodeResult[T any](r *Result) (*T, error) {
	var out T
	if err := r.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles login, signup and the authenticated profile.
type AuthClient struct{ c *Client }

// Login exchanges credentials for a token and stores it in the session.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*User, error) {
	if email == "" || password == "" {
		return nil, validationError("email and password are required")
	}
	res, err := a.c.do(ctx, http.MethodPost, "/api/login", map[string]string{"email": email, "password": password}, nil)
	if err != nil {
		return nil, err
	}
	return a.adopt(ctx, res)
}

// Signup creates an account and stores the returned token.
func (a *AuthClient) Signup(ctx context.Context, opts *SignupOptions) (*User, error) {
	if opts == nil || opts.Email == "" || opts.Password == "" || opts.Name == "" {
		return nil, validationError("name, email and password are required")
	}
	res, err := a.c.do(ctx, http.MethodPost, "/api/signup", opts, nil)
	if err != nil {
		return nil, err
	}
	return a.adopt(ctx, res)
}

func (a *AuthClient) adopt(ctx context.Context, res *Result) (*User, error) {
	data, err := decodeResult[AuthData](res)
	if err != nil {
		return nil, err
	}
	if data.Token == "" {
		return nil, fmt.Errorf("auth response carried no token: %w", ErrUnauthorized)
	}
	if err := a.c.session.SetCredential(ctx, data.Token); err != nil {
		return nil, err
	}
	a.c.session.SetUser(&data.User)
	return &data.User, nil
}

// Me validates the stored token and refreshes the session profile.
func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	if _, ok := a.c.session.Credential(); !ok {
		return nil, fmt.Errorf("no credential: %w", ErrUnauthorized)
	}
	res, err := a.c.do(ctx, http.MethodGet, "/api/me", nil, nil)
	if err != nil {
		return nil, err
	}
	u, err := decodeResult[User](res)
	if err != nil {
		return nil, err
	}
	a.c.session.SetUser(u)
	return u, nil
}

// Logout forgets the credential locally.
func (a *AuthClient) Logout(ctx context.Context) error {
	return a.c.session.Clear(ctx)
}

// UpdateProfile changes the caller's display fields.
func (a *AuthClient) UpdateProfile(ctx context.Context, update *ProfileUpdate) (*User, error) {
	if update == nil {
		return nil, validationError("profile update is required")
	}
	res, err := a.c.do(ctx, http.MethodPut, "/api/user/profile", update, nil)
	if err != nil {
		return nil, err
	}
	u, err := decodeResult[User](res)
	if err != nil {
		return nil, err
	}
	a.c.session.SetUser(u)
	return u, nil
}

// MinPasswordLength matches the server's rule for new passwords.
const MinPasswordLength = 6

// ChangePassword replaces the caller's password. A wrong current password is
// an ErrValidation and leaves the session signed in.
func (a *AuthClient) ChangePassword(ctx context.Context, current, next string) error {
	switch {
	case current == "":
		return validationError("current password is required")
	case len(next) < MinPasswordLength:
		return validationError("new password must be at least %d characters", MinPasswordLength)
	case next == current:
		return validationError("new password must differ from the current one")
	}
	body := map[string]string{"currentPassword": current, "newPassword": next}
	_, err := a.c.do(ctx, http.MethodPut, "/api/user/password", body, nil)
	return err
}

// ============================================================================
// Directory
// ============================================================================

// UsersClient lists the other users known to the server.
type UsersClient struct{ c *Client }

// List returns every user except the caller, in server order.
func (u *UsersClient) List(ctx context.Context) ([]User, error) {
	self := u.c.session.User()
	if self == nil {
		me, err := u.c.Auth.Me(ctx)
		if err != nil {
			return nil, err
		}
		self = me
	}

	res, err := u.c.do(ctx, http.MethodGet, "/api/users", nil, nil)
	if err != nil {
		return nil, err
	}
	all, err := decodeResult[[]User](res)
	if err != nil {
		return nil, err
	}

	users := make([]User, 0, len(*all))
	for _, usr := range *all {
		if usr.ID == self.ID || (self.Email != "" && strings.EqualFold(usr.Email, self.Email)) {
			continue
		}
		users = append(users, usr)
	}
	return users, nil
}
