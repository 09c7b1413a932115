package omegachat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/omegachat/omegachat-go/chattest"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestDetectMIME(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"photo.png", pngHeader, "image/png"},
		{"clip.MOV", []byte("...."), "video/quicktime"},
		{"movie.avi", []byte("RIFF"), "video/x-msvideo"},
		{"notes.txt", []byte("hello"), "text/plain"},
		{"paper.pdf", []byte("%PDF-1.7"), "application/pdf"},
		{"noext", pngHeader, "image/png"},
		{"noext", []byte("plain words"), "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMIME(tt.name, tt.data); got != tt.want {
				t.Errorf("DetectMIME(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestClassifyMedia(t *testing.T) {
	tests := map[string]MediaKind{
		"image/jpeg":      MediaImage,
		"image/svg+xml":   MediaImage,
		"video/quicktime": MediaVideo,
		"application/pdf": MediaDocument,
		"text/plain":      MediaDocument,
	}
	for mimeType, want := range tests {
		if got := ClassifyMedia(mimeType); got != want {
			t.Errorf("ClassifyMedia(%q) = %s, want %s", mimeType, got, want)
		}
	}
}

func TestFilesValidate(t *testing.T) {
	c := NewClient(nil, WithUploadLimit(16))

	t.Run("accepts allowed types", func(t *testing.T) {
		mimeType, err := c.Files.Validate("cat.png", pngHeader)
		if err != nil || mimeType != "image/png" {
			t.Errorf("Validate = %q, %v", mimeType, err)
		}
	})

	rejects := []struct {
		name string
		file string
		data []byte
	}{
		{"empty name", "", pngHeader},
		{"empty data", "cat.png", nil},
		{"too large", "cat.png", bytes.Repeat([]byte("x"), 17)},
		{"disallowed type", "setup.exe", []byte("MZ")},
		{"zip", "archive.zip", []byte("PK\x03\x04")},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Files.Validate(tt.file, tt.data); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestFilesUpload(t *testing.T) {
	_, ts := newBackend(t)
	ctx := context.Background()
	alice := signUp(t, ts, "Alice", "alice@example.com")

	t.Run("uploads and serves the file", func(t *testing.T) {
		att, err := alice.Files.Upload(ctx, "cat.png", pngHeader)
		if err != nil {
			t.Fatal(err)
		}
		if att.Name != "cat.png" || att.Kind != MediaImage || att.Size != int64(len(pngHeader)) {
			t.Errorf("attachment = %+v", att)
		}
		resp, err := http.Get(att.URL)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if !bytes.Equal(body, pngHeader) || resp.Header.Get("Content-Type") != "image/png" {
			t.Errorf("served %q as %s", body, resp.Header.Get("Content-Type"))
		}
	})

	t.Run("validation failure skips the network", func(t *testing.T) {
		c := NewClient(alice.Session(), WithBaseURL("http://127.0.0.1:1"))
		if _, err := c.Files.Upload(ctx, "setup.exe", []byte("MZ")); !errors.Is(err, ErrValidation) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("server rejects what exceeds its own limit", func(t *testing.T) {
		_, small := chattest.NewTestServer(t, chattest.WithUploadLimit(8))
		c := signUp(t, small, "Bob", "bob@example.com")
		_, err := c.Files.Upload(ctx, "notes.txt", []byte("sixteen bytes!!!"))
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("err = %v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "FILE_TOO_LARGE" {
			t.Errorf("api error = %+v", apiErr)
		}
	})

	t.Run("upload file from disk and send it", func(t *testing.T) {
		bob := signUp(t, ts, "Bob", "bob2@example.com")
		path := filepath.Join(t.TempDir(), "notes.txt")
		if err := os.WriteFile(path, []byte("meeting at noon"), 0o600); err != nil {
			t.Fatal(err)
		}
		att, err := alice.Files.UploadFile(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		if att.Kind != MediaDocument || att.Name != "notes.txt" {
			t.Errorf("attachment = %+v", att)
		}
		m, err := alice.Messages.Create(ctx, &Draft{To: bob.Session().User().ID, Attachment: att})
		if err != nil {
			t.Fatal(err)
		}
		if m.Attachment == nil || m.Attachment.URL != att.URL || m.Attachment.Kind != MediaDocument {
			t.Errorf("message attachment = %+v", m.Attachment)
		}
	})
}
