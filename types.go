package omegachat

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// Result is the envelope every omegachat endpoint answers with.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Users
// ============================================================================

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Mobile    string `json:"mobile,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Online    bool   `json:"online"`
}

type SignupOptions struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Mobile   string `json:"mobile,omitempty"`
	Password string `json:"password"`
}

type ProfileUpdate struct {
	Name      string `json:"name,omitempty"`
	Mobile    string `json:"mobile,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// AuthData is returned by login and signup.
type AuthData struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// ============================================================================
// Messages
// ============================================================================

// MediaKind classifies an attachment for rendering.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Attachment describes an uploaded file. It is immutable once produced.
type Attachment struct {
	URL  string    `json:"url"`
	Name string    `json:"name"`
	Kind MediaKind `json:"kind"`
	Size int64     `json:"size"`
}

// Message is the local message shape the engine reconciles.
//
// ID is assigned by the server and is empty for an optimistic entry until the
// create is acknowledged; such entries carry a LocalID and Pending=true.
type Message struct {
	ID         string      `json:"id,omitempty"`
	LocalID    string      `json:"localId,omitempty"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	Edited     bool        `json:"edited,omitempty"`
	EditedAt   time.Time   `json:"editedAt,omitempty"`
	Pending    bool        `json:"pending,omitempty"`
}

// key returns the identity the engine indexes the message under.
func (m *Message) key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// between reports whether the message belongs to the conversation pair (a, b).
func (m *Message) between(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

func (m *Message) clone() *Message {
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	return &c
}

// Draft is an unsent message.
type Draft struct {
	To         string      `json:"to"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Validate rejects drafts with neither text nor attachment, or no recipient.
func (d *Draft) Validate() error {
	if d == nil {
		return validationError("draft is required")
	}
	if d.To == "" {
		return validationError("recipient is required")
	}
	if strings.TrimSpace(d.Text) == "" && d.Attachment == nil {
		return validationError("message needs text or an attachment")
	}
	return nil
}

// ============================================================================
// Wire records
// ============================================================================

// wireMessage is the backend's message record. Field names follow the API.
type wireMessage struct {
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
}

func (w *wireMessage) normalize() Message {
	m := Message{
		ID:         w.ID,
		SenderID:   w.Sender,
		ReceiverID: w.Receiver,
		Text:       w.Message,
		CreatedAt:  parseTime(w.Timestamp),
		Edited:     w.Edited,
		EditedAt:   parseTime(w.EditedAt),
	}
	if w.FileURL != "" {
		m.Attachment = &Attachment{
			URL:  w.FileURL,
			Name: w.FileName,
			Kind: normalizeKind(w.FileType),
			Size: w.FileSize,
		}
	}
	return m
}

// wireDraft is the create-message request body.
type wireDraft struct {
	Receiver string `json:"receiver"`
	Message  string `json:"message,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileType string `json:"fileType,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
}

func newWireDraft(d *Draft) wireDraft {
	w := wireDraft{Receiver: d.To, Message: strings.TrimSpace(d.Text)}
	if a := d.Attachment; a != nil {
		w.FileURL = a.URL
		w.FileName = a.Name
		w.FileType = string(a.Kind)
		w.FileSize = a.Size
	}
	return w
}

// wireUpload is the upload endpoint's response.
type wireUpload struct {
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

// normalizeKind accepts either a kind name or a MIME type.
func normalizeKind(fileType string) MediaKind {
	if strings.Contains(fileType, "/") {
		return ClassifyMedia(fileType)
	}
	switch fileType {
	case "image":
		return MediaImage
	case "video":
		return MediaVideo
	default:
		return MediaDocument
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// FormatTime renders a timestamp the way the API expects it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
