package omegachat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Options
// ============================================================================

// EngineOptions tunes the reconciliation engine. Zero values take defaults.
type EngineOptions struct {
	// TypingWindow is how long a typing signal stays valid without a refresh.
	TypingWindow time.Duration
	// MergeTolerance bounds the timestamp distance for matching a streamed
	// message to a pending local send that carries no server id yet.
	MergeTolerance time.Duration
	// PendingUpdateTTL bounds how long updates for unknown ids and delete
	// tombstones are kept.
	PendingUpdateTTL time.Duration
	// ResyncTimeout bounds the refetch triggered by a reconnect.
	ResyncTimeout time.Duration
	Uploader      Uploader
	Logger        *slog.Logger
	Now           func() time.Time
}

func (o *EngineOptions) defaults() {
	if o.TypingWindow == 0 {
		o.TypingWindow = 3 * time.Second
	}
	if o.MergeTolerance == 0 {
		o.MergeTolerance = 2 * time.Second
	}
	if o.PendingUpdateTTL == 0 {
		o.PendingUpdateTTL = 30 * time.Second
	}
	if o.ResyncTimeout == 0 {
		o.ResyncTimeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ============================================================================
// View model
// ============================================================================

// ConversationView is what a UI renders for the open conversation.
// Messages is sorted by creation time, ties broken by id, and never holds
// two entries with the same identity. When Err is set Messages is empty.
type ConversationView struct {
	Counterpart string
	Messages    []Message
	Online      bool
	Typing      bool
	Loading     bool
	Err         error
}

// EventSource is the part of the realtime channel the engine listens to.
// *RealtimeClient implements it.
type EventSource interface {
	OnEvent(func(Event))
	OnReconnected(func())
	OnUnauthorized(func())
}

var _ EventSource = (*RealtimeClient)(nil)

// ============================================================================
// Engine
// ============================================================================

type entry struct {
	msg Message
	seq uint64 // bumped on every local change
}

type bufferedUpdate struct {
	msg Message
	at  time.Time
}

type tombstone struct {
	at    time.Time
	local bool // set by an in-flight Delete, not yet confirmed
}

type typingEntry struct {
	deadline time.Time
	timer    *time.Timer
}

// Engine folds fetched history and streamed events into one consistent,
// de-duplicated view of a 1:1 conversation, together with presence and
// typing state. Every mutation goes through a single lock, so fetch results,
// stream events and local sends apply one at a time.
//
// The store keeps messages of every conversation it has seen; the view is a
// projection onto the open counterpart.
type Engine struct {
	self     string
	svc      MessageService
	uploader Uploader
	opts     EngineOptions
	log      *slog.Logger

	mu          sync.Mutex
	messages    map[string]*entry
	updates     map[string]bufferedUpdate
	tombstones  map[string]tombstone
	presence    map[string]bool
	typing      map[string]*typingEntry
	seq         uint64
	counterpart string
	generation  uint64
	loading     bool
	err         error

	notifyMu sync.Mutex
	subMu    sync.Mutex
	subs     map[int]func(ConversationView)
	nextSub  int
}

// NewEngine creates an engine acting for the user id self.
func NewEngine(self string, svc MessageService, opts *EngineOptions) *Engine {
	var o EngineOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Engine{
		self:       self,
		svc:        svc,
		uploader:   o.Uploader,
		opts:       o,
		log:        o.Logger,
		messages:   make(map[string]*entry),
		updates:    make(map[string]bufferedUpdate),
		tombstones: make(map[string]tombstone),
		presence:   make(map[string]bool),
		typing:     make(map[string]*typingEntry),
		subs:       make(map[int]func(ConversationView)),
	}
}

// NewEngine creates an engine for the signed-in user backed by this client's
// message repository and uploader. It needs the session profile, so call
// Auth.Login or Auth.Me first.
func (c *Client) NewEngine(opts *EngineOptions) (*Engine, error) {
	u := c.session.User()
	if u == nil || u.ID == "" {
		return nil, fmt.Errorf("engine: no signed-in user: %w", ErrUnauthorized)
	}
	var o EngineOptions
	if opts != nil {
		o = *opts
	}
	if o.Uploader == nil {
		o.Uploader = c.Files
	}
	if o.Logger == nil {
		o.Logger = c.logger
	}
	return NewEngine(u.ID, c.Messages, &o), nil
}

// Bind subscribes the engine to src: events are applied in arrival order,
// a reconnect clears presence and refetches the open conversation, and a
// rejected token surfaces as ErrUnauthorized on the view.
func (e *Engine) Bind(src EventSource) {
	src.OnEvent(e.Apply)
	src.OnReconnected(func() {
		e.ResetPresence()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.ResyncTimeout)
			defer cancel()
			if err := e.Resync(ctx); err != nil {
				e.log.Warn("resync after reconnect failed", "err", err)
			}
		}()
	})
	src.OnUnauthorized(func() {
		e.mu.Lock()
		e.err = ErrUnauthorized
		e.loading = false
		e.mu.Unlock()
		e.notify()
	})
}

// Subscribe registers fn to be called with the current view after every
// change. fn must not call back into the engine's mutating methods.
func (e *Engine) Subscribe(fn func(ConversationView)) (cancel func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) notify() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.subMu.Lock()
	subs := make([]func(ConversationView), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subMu.Unlock()
	if len(subs) == 0 {
		return
	}
	v := e.View()
	for _, fn := range subs {
		fn(v)
	}
}

// View returns a snapshot of the open conversation.
func (e *Engine) View() ConversationView {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := ConversationView{Counterpart: e.counterpart, Loading: e.loading, Err: e.err}
	if e.counterpart == "" {
		return v
	}
	v.Online = e.presence[e.counterpart]
	v.Typing = e.typingLocked(e.counterpart, e.opts.Now())
	v.Messages = make([]Message, 0)
	if e.err != nil {
		return v
	}
	for _, ent := range e.messages {
		if ent.msg.between(e.self, e.counterpart) {
			v.Messages = append(v.Messages, *ent.msg.clone())
		}
	}
	sortMessages(v.Messages)
	return v
}

// Online reports whether userID is in the presence set.
func (e *Engine) Online(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence[userID]
}

// Typing reports whether userID has an unexpired typing signal.
func (e *Engine) Typing(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typingLocked(userID, e.opts.Now())
}

// SeedPresence marks the users the directory reported online.
func (e *Engine) SeedPresence(users []User) {
	e.mu.Lock()
	for _, u := range users {
		if u.Online {
			e.presence[u.ID] = true
		}
	}
	e.mu.Unlock()
	e.notify()
}

// ResetPresence empties the presence set until the server resends it.
func (e *Engine) ResetPresence() {
	e.mu.Lock()
	e.presence = make(map[string]bool)
	e.mu.Unlock()
	e.notify()
}

// Close stops pending typing timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.typing {
		t.timer.Stop()
		delete(e.typing, id)
	}
}

// ============================================================================
// Snapshot
// ============================================================================

// Open makes counterpartID the viewed conversation and seeds it from the
// repository. A result that arrives after another Open is discarded.
func (e *Engine) Open(ctx context.Context, counterpartID string) error {
	if counterpartID == "" {
		return validationError("counterpart is required")
	}
	return e.load(ctx, counterpartID, true)
}

// Resync refetches the open conversation and reconciles it with what the
// engine holds. Nothing is replayed from the stream, so this is what closes
// gaps after a reconnect.
func (e *Engine) Resync(ctx context.Context) error {
	return e.load(ctx, "", false)
}

// load fetches counterpart's history. Without switching it refreshes the
// open conversation only: an empty counterpart means whichever is open, and
// a counterpart that is no longer open is left alone.
func (e *Engine) load(ctx context.Context, counterpart string, switching bool) error {
	e.mu.Lock()
	if !switching {
		if counterpart == "" {
			counterpart = e.counterpart
		}
		if counterpart == "" || counterpart != e.counterpart {
			e.mu.Unlock()
			return nil
		}
	}
	e.generation++
	gen := e.generation
	e.counterpart = counterpart
	if switching {
		e.loading = true
	}
	e.err = nil
	start := e.seq
	e.mu.Unlock()
	e.notify()

	msgs, err := e.svc.History(ctx, counterpart)

	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		e.log.Debug("discarding stale history", "counterpart", counterpart)
		return nil
	}
	e.loading = false
	if err != nil {
		e.err = err
		e.mu.Unlock()
		e.notify()
		return err
	}
	e.reconcileLocked(counterpart, msgs, start)
	e.mu.Unlock()
	e.notify()
	return nil
}

// reconcileLocked merges a snapshot of the conversation with counterpart.
// Confirmed entries the snapshot lacks are dropped unless they changed after
// the fetch began; pending sends are kept.
func (e *Engine) reconcileLocked(counterpart string, snapshot []Message, start uint64) {
	now := e.opts.Now()
	e.pruneLocked(now)

	inSnapshot := make(map[string]struct{}, len(snapshot))
	for i := range snapshot {
		inSnapshot[snapshot[i].ID] = struct{}{}
	}
	for key, ent := range e.messages {
		if ent.msg.Pending || !ent.msg.between(e.self, counterpart) || ent.seq > start {
			continue
		}
		if _, ok := inSnapshot[key]; !ok {
			delete(e.messages, key)
		}
	}

	for i := range snapshot {
		m := snapshot[i]
		if m.ID == "" || e.deletedLocked(m.ID) {
			continue
		}
		if ent, ok := e.messages[m.ID]; ok {
			if ent.seq <= start {
				ent.msg = m
			}
			continue
		}
		e.insertServerLocked(m, now)
	}
}

// ============================================================================
// Stream events
// ============================================================================

// Apply folds one realtime event into the engine. Events must be applied in
// arrival order; Bind does that.
func (e *Engine) Apply(ev Event) {
	e.mu.Lock()
	now := e.opts.Now()
	e.pruneLocked(now)
	switch ev := ev.(type) {
	case MessageCreated:
		e.applyCreatedLocked(ev.Message, now)
	case MessageUpdated:
		e.applyUpdatedLocked(ev.Message, now)
	case MessageDeleted:
		e.applyDeletedLocked(ev.MessageID, now)
	case PresenceChanged:
		if ev.Online {
			e.presence[ev.UserID] = true
		} else {
			delete(e.presence, ev.UserID)
		}
	case TypingStarted:
		e.startTypingLocked(ev.UserID, now)
	case TypingStopped:
		e.stopTypingLocked(ev.UserID)
	default:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) applyCreatedLocked(m Message, now time.Time) {
	if m.ID == "" || e.deletedLocked(m.ID) {
		return
	}
	if _, ok := e.messages[m.ID]; ok {
		return
	}
	e.insertServerLocked(m, now)
}

// insertServerLocked adds a server-confirmed message that has no entry under
// its id yet. A pending local send describing the same message is replaced.
func (e *Engine) insertServerLocked(m Message, now time.Time) {
	m.Pending = false
	if local := e.matchPendingLocked(&m); local != nil {
		m.LocalID = local.msg.LocalID
		delete(e.messages, local.msg.LocalID)
	}
	e.seq++
	e.messages[m.ID] = &entry{msg: m, seq: e.seq}

	if up, ok := e.updates[m.ID]; ok {
		delete(e.updates, m.ID)
		if now.Sub(up.at) <= e.opts.PendingUpdateTTL {
			e.applyUpdatedLocked(up.msg, now)
		}
	}
}

// matchPendingLocked finds the oldest pending send with the same sender,
// recipient, text and attachment whose local timestamp is within tolerance
// of m's.
func (e *Engine) matchPendingLocked(m *Message) *entry {
	var best *entry
	for _, ent := range e.messages {
		o := &ent.msg
		if !o.Pending || o.SenderID != m.SenderID || o.ReceiverID != m.ReceiverID {
			continue
		}
		if strings.TrimSpace(o.Text) != strings.TrimSpace(m.Text) || attachmentURL(o) != attachmentURL(m) {
			continue
		}
		d := o.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d > e.opts.MergeTolerance {
			continue
		}
		if best == nil || lessMessage(o, &best.msg) {
			best = ent
		}
	}
	return best
}

func attachmentURL(m *Message) string {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.URL
}

func (e *Engine) applyUpdatedLocked(m Message, now time.Time) {
	if m.ID == "" || e.deletedLocked(m.ID) {
		return
	}
	ent, ok := e.messages[m.ID]
	if !ok {
		if prev, buffered := e.updates[m.ID]; buffered && prev.msg.EditedAt.After(m.EditedAt) {
			return
		}
		e.updates[m.ID] = bufferedUpdate{msg: m, at: now}
		return
	}
	if !m.EditedAt.IsZero() && ent.msg.EditedAt.After(m.EditedAt) {
		return
	}
	// Sender, recipient and creation time never change.
	ent.msg.Text = m.Text
	ent.msg.Edited = m.Edited || !m.EditedAt.IsZero()
	ent.msg.EditedAt = m.EditedAt
	if m.Attachment != nil {
		ent.msg.Attachment = m.Attachment
	}
	e.seq++
	ent.seq = e.seq
}

func (e *Engine) applyDeletedLocked(id string, now time.Time) {
	delete(e.messages, id)
	delete(e.updates, id)
	e.tombstones[id] = tombstone{at: now}
}

func (e *Engine) deletedLocked(id string) bool {
	_, ok := e.tombstones[id]
	return ok
}

// pruneLocked drops buffered updates and tombstones past their TTL.
func (e *Engine) pruneLocked(now time.Time) {
	ttl := e.opts.PendingUpdateTTL
	for id, up := range e.updates {
		if now.Sub(up.at) > ttl {
			delete(e.updates, id)
		}
	}
	for id, t := range e.tombstones {
		if !t.local && now.Sub(t.at) > ttl {
			delete(e.tombstones, id)
		}
	}
}

func (e *Engine) startTypingLocked(userID string, now time.Time) {
	if t, ok := e.typing[userID]; ok {
		t.timer.Stop()
	}
	deadline := now.Add(e.opts.TypingWindow)
	e.typing[userID] = &typingEntry{
		deadline: deadline,
		timer:    time.AfterFunc(e.opts.TypingWindow, func() { e.expireTyping(userID, deadline) }),
	}
}

func (e *Engine) stopTypingLocked(userID string) {
	if t, ok := e.typing[userID]; ok {
		t.timer.Stop()
		delete(e.typing, userID)
	}
}

func (e *Engine) expireTyping(userID string, deadline time.Time) {
	e.mu.Lock()
	t, ok := e.typing[userID]
	if !ok || !t.deadline.Equal(deadline) {
		e.mu.Unlock()
		return
	}
	delete(e.typing, userID)
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) typingLocked(userID string, now time.Time) bool {
	t, ok := e.typing[userID]
	return ok && now.Before(t.deadline)
}

// ============================================================================
// Local mutations
// ============================================================================

// Send shows draft immediately as a pending entry and creates it on the
// server. On failure the pending entry is removed and the view is as it was
// before the call.
func (e *Engine) Send(ctx context.Context, draft *Draft) (*Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	local := Message{
		LocalID:    "local-" + uuid.NewString(),
		SenderID:   e.self,
		ReceiverID: draft.To,
		Text:       strings.TrimSpace(draft.Text),
		CreatedAt:  e.opts.Now().UTC(),
		Pending:    true,
	}
	if draft.Attachment != nil {
		a := *draft.Attachment
		local.Attachment = &a
	}

	e.mu.Lock()
	e.seq++
	e.messages[local.LocalID] = &entry{msg: local, seq: e.seq}
	e.mu.Unlock()
	e.notify()

	msg, err := e.svc.Create(ctx, draft)

	e.mu.Lock()
	if err != nil {
		delete(e.messages, local.LocalID)
		e.mu.Unlock()
		e.notify()
		return nil, err
	}
	delete(e.messages, local.LocalID)
	confirmed := *msg
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = local.CreatedAt
	}
	if confirmed.ID != "" && !e.deletedLocked(confirmed.ID) {
		if _, ok := e.messages[confirmed.ID]; !ok {
			confirmed.LocalID = local.LocalID
			e.insertServerLocked(confirmed, e.opts.Now())
		}
	}
	e.mu.Unlock()
	e.notify()
	return msg, nil
}

// SendFile uploads data and sends it with text. An upload failure leaves the
// view untouched.
func (e *Engine) SendFile(ctx context.Context, to, text, fileName string, data []byte) (*Message, error) {
	if e.uploader == nil {
		return nil, errors.New("engine: no uploader configured")
	}
	att, err := e.uploader.Upload(ctx, fileName, data)
	if err != nil {
		return nil, err
	}
	return e.Send(ctx, &Draft{To: to, Text: text, Attachment: att})
}

// Edit changes the text of one of the caller's messages, showing the change
// at once and restoring the previous text if the server refuses it.
func (e *Engine) Edit(ctx context.Context, messageID, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, validationError("edited text cannot be empty")
	}

	e.mu.Lock()
	ent, ok := e.messages[messageID]
	switch {
	case !ok:
		e.mu.Unlock()
		return nil, fmt.Errorf("edit %s: %w", messageID, ErrNotFound)
	case ent.msg.Pending:
		e.mu.Unlock()
		return nil, validationError("message %s is not sent yet", messageID)
	case ent.msg.SenderID != e.self:
		e.mu.Unlock()
		return nil, fmt.Errorf("edit %s: %w", messageID, ErrForbidden)
	}
	prev := *ent.msg.clone()
	optimistic := e.opts.Now().UTC()
	ent.msg.Text = text
	ent.msg.Edited = true
	ent.msg.EditedAt = optimistic
	e.seq++
	ent.seq = e.seq
	e.mu.Unlock()
	e.notify()

	msg, err := e.svc.Edit(ctx, messageID, text)

	e.mu.Lock()
	if err != nil {
		if cur, ok := e.messages[messageID]; ok && cur.msg.EditedAt.Equal(optimistic) {
			cur.msg = prev
		}
		e.mu.Unlock()
		e.notify()
		return nil, err
	}
	if cur, ok := e.messages[messageID]; ok {
		if cur.msg.EditedAt.Equal(optimistic) {
			// local clock; the server timestamp replaces it
			cur.msg.EditedAt = time.Time{}
		}
		e.applyUpdatedLocked(*msg, e.opts.Now())
	}
	e.mu.Unlock()
	e.notify()
	return msg, nil
}

// Delete removes one of the caller's messages, showing the removal at once
// and restoring the message if the server refuses. A message that is
// already gone counts as deleted.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	e.mu.Lock()
	ent, ok := e.messages[messageID]
	var prev *entry
	if ok {
		switch {
		case ent.msg.Pending:
			e.mu.Unlock()
			return validationError("message %s is not sent yet", messageID)
		case ent.msg.SenderID != e.self:
			e.mu.Unlock()
			return fmt.Errorf("delete %s: %w", messageID, ErrForbidden)
		}
		prev = &entry{msg: *ent.msg.clone(), seq: ent.seq}
		delete(e.messages, messageID)
	}
	e.tombstones[messageID] = tombstone{at: e.opts.Now(), local: true}
	e.mu.Unlock()
	e.notify()

	err := e.svc.Remove(ctx, messageID)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}

	e.mu.Lock()
	t, stillLocal := e.tombstones[messageID]
	stillLocal = stillLocal && t.local
	if err != nil {
		if stillLocal {
			delete(e.tombstones, messageID)
			if prev != nil {
				if _, exists := e.messages[messageID]; !exists {
					e.messages[messageID] = prev
				}
			}
		}
		e.mu.Unlock()
		e.notify()
		return err
	}
	if stillLocal {
		e.tombstones[messageID] = tombstone{at: e.opts.Now()}
	}
	e.mu.Unlock()
	return nil
}
