package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	omegachat "github.com/omegachat/omegachat-go"
)

// app bundles what every networked command needs.
type app struct {
	cfg    *Config
	client *omegachat.Client
	close  func()
}

func newLogger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// credentialStore picks Redis when default.redis_url is set, otherwise
// ~/.omegachat/credentials.toml.
func credentialStore(ctx context.Context, cfg *Config) (omegachat.CredentialStore, func(), error) {
	if cfg.Default.RedisURL != "" {
		profile := cfg.Default.Profile
		if profile == "" {
			profile = "default"
		}
		rs, err := omegachat.NewRedisStore(ctx, cfg.Default.RedisURL, profile, 0)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	}
	path, err := credentialsPath()
	if err != nil {
		return nil, nil, err
	}
	return omegachat.NewFileStore(path), func() {}, nil
}

func baseURL(cfg *Config) string {
	if env := os.Getenv("OMEGACHAT_BASE_URL"); env != "" {
		return env
	}
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return omegachat.DefaultBaseURL
}

// openApp loads config and credentials. With requireAuth it fails when no
// token is stored.
func openApp(ctx context.Context, requireAuth bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, closeStore, err := credentialStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	session := omegachat.NewSession(store)
	found, err := session.Restore(ctx)
	if err != nil {
		closeStore()
		return nil, err
	}
	if requireAuth && !found {
		closeStore()
		return nil, errors.New("not signed in; run 'omegachat login' first")
	}

	opts := []omegachat.ClientOption{
		omegachat.WithBaseURL(baseURL(cfg)),
		omegachat.WithLogger(newLogger()),
	}
	if cfg.Default.UploadLimitMB > 0 {
		opts = append(opts, omegachat.WithUploadLimit(cfg.Default.UploadLimitMB*1024*1024))
	}
	if found && cfg.Auth.UserID != "" {
		session.SetUser(&omegachat.User{ID: cfg.Auth.UserID, Email: cfg.Auth.Email, Name: cfg.Auth.Name})
	}
	return &app{cfg: cfg, client: omegachat.NewClient(session, opts...), close: closeStore}, nil
}

// remember records the signed-in user in config.toml.
func (a *app) remember(u *omegachat.User) error {
	if u == nil {
		a.cfg.Auth = ConfigAuth{}
	} else {
		a.cfg.Auth = ConfigAuth{UserID: u.ID, Email: u.Email, Name: u.Name}
	}
	return saveConfig(a.cfg)
}

// explain turns SDK errors into CLI guidance.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, omegachat.ErrUnauthorized):
		return fmt.Errorf("%w (session cleared; run 'omegachat login')", err)
	case errors.Is(err, omegachat.ErrNetwork):
		return fmt.Errorf("%w (is the server at the configured base_url reachable?)", err)
	}
	return err
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func senderLabel(a *app, id string) string {
	if id == a.cfg.Auth.UserID {
		return "me"
	}
	return id
}
