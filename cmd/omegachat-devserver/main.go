// Command omegachat-devserver runs the in-memory chat backend from package
// chattest as a standalone server for local development of the omegachat CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/omegachat/omegachat-go/chattest"
	"gopkg.in/yaml.v3"
)

// SeedUser is one entry of the seed file.
type SeedUser struct {
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// SeedFile lists accounts created at startup.
type SeedFile struct {
	Users []SeedUser `yaml:"users"`
}

var demoUsers = []SeedUser{
	{Name: "Alice", Email: "alice@example.com", Password: "password"},
	{Name: "Bob", Email: "bob@example.com", Password: "password"},
	{Name: "Charlie", Email: "charlie@example.com", Password: "password"},
}

func loadSeed(path string) ([]SeedUser, error) {
	if path == "" {
		return demoUsers, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return seed.Users, nil
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", getEnv("OMEGACHAT_ADDR", ":5000"), "listen address")
	seedPath := flag.String("seed", getEnv("OMEGACHAT_SEED", ""), "YAML file with users to create")
	uploadMB := flag.Int64("upload-limit", getEnvInt("OMEGACHAT_UPLOAD_LIMIT_MB", 100), "upload size limit in MB")
	origins := flag.String("origins", getEnv("ALLOWED_ORIGINS", "*"), "comma-separated CORS origins")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	backend := chattest.New(
		chattest.WithLogger(logger),
		chattest.WithUploadLimit(*uploadMB*1024*1024),
	)

	users, err := loadSeed(*seedPath)
	if err != nil {
		logger.Error("seed", "err", err)
		os.Exit(1)
	}
	for _, su := range users {
		u, err := backend.CreateUser(su.Name, su.Email, su.Password)
		if err != nil {
			logger.Warn("seed user skipped", "email", su.Email, "err", err)
			continue
		}
		logger.Info("seeded user", "name", u.Name, "email", u.Email, "id", u.ID)
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(*origins, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/", backend)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", *addr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "err", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	backend.DropConnections()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
