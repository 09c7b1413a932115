package omegachat

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// MessageService is what the engine needs from the message repository.
// *MessagesClient implements it.
type MessageService interface {
	History(ctx context.Context, counterpartID string) ([]Message, error)
	Create(ctx context.Context, draft *Draft) (*Message, error)
	Edit(ctx context.Context, messageID, text string) (*Message, error)
	Remove(ctx context.Context, messageID string) error
}

// MessagesClient fetches and mutates messages of 1:1 conversations.
type MessagesClient struct{ c *Client }

var _ MessageService = (*MessagesClient)(nil)

// History returns the conversation with counterpartID sorted by creation
// time, ties broken by id.
func (m *MessagesClient) History(ctx context.Context, counterpartID string) ([]Message, error) {
	if counterpartID == "" {
		return nil, validationError("counterpart is required")
	}
	res, err := m.c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(counterpartID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(res)
}

// Create sends draft. Validation happens before any network call.
func (m *MessagesClient) Create(ctx context.Context, draft *Draft) (*Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	res, err := m.c.do(ctx, http.MethodPost, "/api/messages", newWireDraft(draft), nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(res)
}

// Edit replaces the text of a message the caller sent. The server decides
// ownership; a refusal surfaces as ErrForbidden.
func (m *MessagesClient) Edit(ctx context.Context, messageID, text string) (*Message, error) {
	if messageID == "" {
		return nil, validationError("message id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, validationError("edited text cannot be empty")
	}
	res, err := m.c.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(messageID),
		map[string]string{"message": strings.TrimSpace(text)}, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(res)
}

// Remove deletes a message. Removing an id that is already gone succeeds.
func (m *MessagesClient) Remove(ctx context.Context, messageID string) error {
	if messageID == "" {
		return validationError("message id is required")
	}
	_, err := m.c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Search finds the caller's messages containing query.
func (m *MessagesClient) Search(ctx context.Context, query string) ([]Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, validationError("search query is required")
	}
	res, err := m.c.do(ctx, http.MethodGet, "/api/messages/search", nil, map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	return decodeMessages(res)
}

func decodeMessage(res *Result) (*Message, error) {
	w, err := decodeResult[wireMessage](res)
	if err != nil {
		return nil, err
	}
	msg := w.normalize()
	return &msg, nil
}

func decodeMessages(res *Result) ([]Message, error) {
	ws, err := decodeResult[[]wireMessage](res)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(*ws))
	for i := range *ws {
		msgs = append(msgs, (*ws)[i].normalize())
	}
	sortMessages(msgs)
	return msgs, nil
}

// sortMessages orders by creation time, then identity. The order is total.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return lessMessage(&msgs[i], &msgs[j]) })
}

func lessMessage(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.key() < b.key()
}
