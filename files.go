package omegachat

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// AllowedMIMETypes is the upload allow-list.
var AllowedMIMETypes = map[string]MediaKind{
	"image/jpeg":      MediaImage,
	"image/png":       MediaImage,
	"image/gif":       MediaImage,
	"image/webp":      MediaImage,
	"video/mp4":       MediaVideo,
	"video/avi":       MediaVideo,
	"video/x-msvideo": MediaVideo,
	"video/mov":       MediaVideo,
	"video/quicktime": MediaVideo,
	"video/wmv":       MediaVideo,
	"video/x-ms-wmv":  MediaVideo,
	"application/pdf": MediaDocument,
	"text/plain":      MediaDocument,
}

// Uploader turns file bytes into an Attachment. *FilesClient implements it.
type Uploader interface {
	Upload(ctx context.Context, fileName string, data []byte) (*Attachment, error)
}

// FilesClient validates and uploads attachments.
type FilesClient struct{ c *Client }

var _ Uploader = (*FilesClient)(nil)

// Validate checks size and type without touching the network.
// It returns the detected MIME type.
func (f *FilesClient) Validate(fileName string, data []byte) (string, error) {
	if fileName == "" {
		return "", validationError("fileName is required")
	}
	if len(data) == 0 {
		return "", validationError("file %s is empty", fileName)
	}
	if int64(len(data)) > f.c.uploadLimit {
		return "", validationError("file %s exceeds maximum size of %d MB", fileName, f.c.uploadLimit/(1024*1024))
	}
	mimeType := DetectMIME(fileName, data)
	if _, ok := AllowedMIMETypes[mimeType]; !ok {
		return "", validationError("file type %s is not allowed", mimeType)
	}
	return mimeType, nil
}

// Upload validates data and posts it to the upload endpoint.
func (f *FilesClient) Upload(ctx context.Context, fileName string, data []byte) (*Attachment, error) {
	mimeType, err := f.Validate(fileName, data)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(fileHeader(fileName, mimeType))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.c.baseURL+"/api/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	res, err := f.c.send(req)
	if err != nil {
		return nil, err
	}
	up, err := decodeResult[wireUpload](res)
	if err != nil {
		return nil, err
	}
	kind := normalizeKind(up.FileType)
	if up.FileType == "" {
		kind = ClassifyMedia(mimeType)
	}
	size := up.FileSize
	if size == 0 {
		size = int64(len(data))
	}
	name := up.FileName
	if name == "" {
		name = fileName
	}
	return &Attachment{URL: up.FileURL, Name: name, Kind: kind, Size: size}, nil
}

// UploadFile uploads a file from a local path.
func (f *FilesClient) UploadFile(ctx context.Context, filePath string) (*Attachment, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > f.c.uploadLimit {
		return nil, validationError("file %s exceeds maximum size of %d MB", info.Name(), f.c.uploadLimit/(1024*1024))
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return f.Upload(ctx, filepath.Base(filePath), data)
}

func fileHeader(fileName, mimeType string) map[string][]string {
	return map[string][]string{
		"Content-Disposition": {mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": fileName})},
		"Content-Type":        {mimeType},
	}
}

// ClassifyMedia maps a MIME type onto the attachment kinds the UI renders.
func ClassifyMedia(mimeType string) MediaKind {
	if kind, ok := AllowedMIMETypes[mimeType]; ok {
		return kind
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo
	default:
		return MediaDocument
	}
}

// DetectMIME returns the MIME type from the file extension, falling back to
// content sniffing.
func DetectMIME(fileName string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	// Go's builtin registry lacks several of these on minimal systems.
	fallback := map[string]string{
		".webp": "image/webp", ".mov": "video/quicktime", ".avi": "video/x-msvideo",
		".wmv": "video/x-ms-wmv", ".mp4": "video/mp4", ".txt": "text/plain", ".pdf": "application/pdf",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return stripParams(t)
		}
	}
	return stripParams(http.DetectContentType(data))
}

// stripParams turns "text/plain; charset=utf-8" into "text/plain".
func stripParams(t string) string {
	if idx := strings.Index(t, ";"); idx > 0 {
		return strings.TrimSpace(t[:idx])
	}
	return t
}
