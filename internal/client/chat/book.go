// Package chat reconciles group and direct-message conversations from
// realtime envelopes. Every envelope is an upsert keyed by message id, so a
// replayed envelope leaves the book unchanged.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"plixmap/api/internal/client/transport"
	"plixmap/api/internal/protocol"
)

const (
	DefaultReadDebounce  = 400 * time.Millisecond
	DefaultToastCooldown = 1200 * time.Millisecond
)

type Kind string

const (
	Group  Kind = "group"
	Direct Kind = "dm"
)

// Key names a conversation: a client id for groups, the peer's id for DMs.
type Key struct {
	Kind Kind
	ID   string
}

func GroupKey(clientID string) Key { return Key{Kind: Group, ID: clientID} }
func DirectKey(peerID string) Key  { return Key{Kind: Direct, ID: peerID} }

// Entry is a message with its delivery marks. Marks are only tracked for
// direct messages we sent.
type Entry struct {
	protocol.ChatMessage
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

type Conversation struct {
	Key        Key
	Messages   []Entry
	Unread     int
	LastReadAt time.Time
	ClearedAt  time.Time
}

// Toast is a transient popup for an incoming direct message.
type Toast struct {
	Key     Key
	Message protocol.ChatMessage
}

type Sender interface {
	Send(kind protocol.EnvelopeType, payload any) error
}

type Router interface {
	Handle(kind protocol.EnvelopeType, h transport.Handler)
}

type Options struct {
	SelfID        string
	Sender        Sender
	Toast         func(Toast)
	ReadDebounce  time.Duration
	ToastCooldown time.Duration
	Clock         clock.WithDelayedExecution
	Logger        zerolog.Logger
}

type conversation struct {
	key        Key
	entries    map[string]*Entry
	unread     int
	lastReadAt time.Time
	clearedAt  time.Time
	lastToast  time.Time
	readTimer  clock.Timer
}

type Book struct {
	opts Options
	log  zerolog.Logger

	mu    sync.Mutex
	convs map[Key]*conversation
	open  *Key
	subs  []func(Key)
}

func New(opts Options) *Book {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.ReadDebounce <= 0 {
		opts.ReadDebounce = DefaultReadDebounce
	}
	if opts.ToastCooldown <= 0 {
		opts.ToastCooldown = DefaultToastCooldown
	}
	if opts.Toast == nil {
		opts.Toast = func(Toast) {}
	}
	return &Book{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "chat").Logger(),
		convs: make(map[Key]*conversation),
	}
}

func (b *Book) Bind(r Router) {
	r.Handle(protocol.TypeClientChatNew, b.handleMessage(Group))
	r.Handle(protocol.TypeClientChatUpdate, b.handleMessage(Group))
	r.Handle(protocol.TypeClientChatClear, b.handleClear)
	r.Handle(protocol.TypeClientChatRead, b.handleGroupRead)
	r.Handle(protocol.TypeDMChatNew, b.handleMessage(Direct))
	r.Handle(protocol.TypeDMChatUpdate, b.handleMessage(Direct))
	r.Handle(protocol.TypeDMChatReceipt, b.handleReceipt)
	r.Handle(protocol.TypeDMChatRead, b.handleDirectRead)
}

// Subscribe registers fn for conversation changes.
func (b *Book) Subscribe(fn func(Key)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Open shows a conversation: its unread count drops to zero and a read
// receipt goes out after the debounce.
func (b *Book) Open(key Key) {
	b.mu.Lock()
	if b.open != nil && *b.open != key {
		b.stopReadLocked(*b.open)
	}
	b.open = &key
	c := b.conv(key)
	c.unread = 0
	if latest := c.latest(); latest.After(c.lastReadAt) {
		c.lastReadAt = latest
	}
	b.scheduleReadLocked(c)
	subs := b.subscribers()
	b.mu.Unlock()
	notify(subs, key)
}

// CloseConversation hides the open conversation.
func (b *Book) CloseConversation() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open != nil {
		b.stopReadLocked(*b.open)
	}
	b.open = nil
}

// Conversation returns a copy of one conversation, messages oldest first.
func (b *Book) Conversation(key Key) (Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[key]
	if !ok {
		return Conversation{Key: key}, false
	}
	return c.snapshot(), true
}

// Conversations lists every conversation sorted by key.
func (b *Book) Conversations() []Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Conversation, 0, len(b.convs))
	for _, c := range b.convs {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Kind != out[j].Key.Kind {
			return out[i].Key.Kind < out[j].Key.Kind
		}
		return out[i].Key.ID < out[j].Key.ID
	})
	return out
}

// Unread sums unread counts over all conversations.
func (b *Book) Unread() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.convs {
		n += c.unread
	}
	return n
}

func (b *Book) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.convs {
		if c.readTimer != nil {
			c.readTimer.Stop()
			c.readTimer = nil
		}
	}
}

func (b *Book) handleMessage(kind Kind) transport.Handler {
	return func(env protocol.Envelope) {
		var ev protocol.ChatMessageEvent
		if err := env.Decode(&ev); err != nil {
			b.log.Debug().Err(err).Msg("dropping chat message")
			return
		}
		b.upsert(kind, ev)
	}
}

func (b *Book) upsert(kind Kind, ev protocol.ChatMessageEvent) {
	msg := ev.Message
	key := GroupKey(msg.ClientID)
	if kind == Direct {
		peer := msg.FromID
		if peer == b.opts.SelfID {
			peer = msg.ToID
		}
		key = DirectKey(peer)
	}
	if msg.ID == "" || key.ID == "" {
		return
	}

	b.mu.Lock()
	c := b.conv(key)
	if !c.clearedAt.IsZero() && !msg.CreatedAt.After(c.clearedAt) {
		b.mu.Unlock()
		return
	}
	now := b.opts.Clock.Now()
	isOpen := b.open != nil && *b.open == key
	foreign := msg.FromID != b.opts.SelfID

	var toast *Toast
	if prev, seen := c.entries[msg.ID]; seen {
		prev.ChatMessage = msg
	} else {
		c.entries[msg.ID] = &Entry{ChatMessage: msg}
		if foreign && !isOpen && (!ev.Backfill || msg.CreatedAt.After(c.lastReadAt)) {
			c.unread++
		}
		if foreign && isOpen && msg.CreatedAt.After(c.lastReadAt) {
			c.lastReadAt = msg.CreatedAt
			b.scheduleReadLocked(c)
		}
		if kind == Direct && foreign && !ev.Backfill && !isOpen &&
			(c.lastToast.IsZero() || now.Sub(c.lastToast) >= b.opts.ToastCooldown) {
			c.lastToast = now
			toast = &Toast{Key: key, Message: msg}
		}
	}
	subs := b.subscribers()
	b.mu.Unlock()

	if toast != nil {
		b.opts.Toast(*toast)
	}
	notify(subs, key)
}

func (b *Book) handleClear(env protocol.Envelope) {
	var ev protocol.ChatClearEvent
	if err := env.Decode(&ev); err != nil || ev.ClientID == "" {
		b.log.Debug().Err(err).Msg("dropping chat clear")
		return
	}
	key := GroupKey(ev.ClientID)
	b.mu.Lock()
	c := b.conv(key)
	if ev.ClearedAt.After(c.clearedAt) {
		c.clearedAt = ev.ClearedAt
	}
	for id, e := range c.entries {
		if !e.CreatedAt.After(c.clearedAt) {
			delete(c.entries, id)
		}
	}
	c.recountUnread(b.opts.SelfID)
	subs := b.subscribers()
	b.mu.Unlock()
	notify(subs, key)
}

// handleGroupRead applies a read mark made on another of our sockets.
func (b *Book) handleGroupRead(env protocol.Envelope) {
	var ev protocol.ChatReadEvent
	if err := env.Decode(&ev); err != nil || ev.ClientID == "" {
		return
	}
	if ev.ReaderID != "" && ev.ReaderID != b.opts.SelfID {
		return
	}
	b.markRead(GroupKey(ev.ClientID), ev.At)
}

func (b *Book) handleDirectRead(env protocol.Envelope) {
	var ev protocol.ChatReadEvent
	if err := env.Decode(&ev); err != nil {
		return
	}
	if ev.ReaderID == b.opts.SelfID {
		b.markRead(DirectKey(ev.PeerID), ev.At)
		return
	}
	if ev.PeerID != b.opts.SelfID {
		return
	}
	// The peer read what we sent.
	key := DirectKey(ev.ReaderID)
	b.mu.Lock()
	c := b.conv(key)
	for _, e := range c.entries {
		if e.FromID == b.opts.SelfID && !e.CreatedAt.After(ev.At) && e.ReadAt == nil {
			at := ev.At
			e.ReadAt = &at
			if e.DeliveredAt == nil {
				e.DeliveredAt = &at
			}
		}
	}
	subs := b.subscribers()
	b.mu.Unlock()
	notify(subs, key)
}

func (b *Book) handleReceipt(env protocol.Envelope) {
	var ev protocol.DMReceiptEvent
	if err := env.Decode(&ev); err != nil || ev.RecipientID == "" {
		return
	}
	key := DirectKey(ev.RecipientID)
	b.mu.Lock()
	c := b.conv(key)
	for _, id := range ev.MessageIDs {
		if e, ok := c.entries[id]; ok && e.DeliveredAt == nil {
			at := ev.DeliveredAt
			e.DeliveredAt = &at
		}
	}
	subs := b.subscribers()
	b.mu.Unlock()
	notify(subs, key)
}

func (b *Book) markRead(key Key, at time.Time) {
	b.mu.Lock()
	c := b.conv(key)
	if at.After(c.lastReadAt) {
		c.lastReadAt = at
	}
	c.recountUnread(b.opts.SelfID)
	subs := b.subscribers()
	b.mu.Unlock()
	notify(subs, key)
}

// scheduleReadLocked (re)arms the read receipt for c. Only the open
// conversation sends receipts.
func (b *Book) scheduleReadLocked(c *conversation) {
	if c.readTimer != nil {
		c.readTimer.Stop()
	}
	key := c.key
	c.readTimer = b.opts.Clock.AfterFunc(b.opts.ReadDebounce, func() { b.sendRead(key) })
}

func (b *Book) stopReadLocked(key Key) {
	if c, ok := b.convs[key]; ok && c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
}

func (b *Book) sendRead(key Key) {
	b.mu.Lock()
	c, ok := b.convs[key]
	if !ok || b.open == nil || *b.open != key {
		b.mu.Unlock()
		return
	}
	c.readTimer = nil
	at := c.lastReadAt
	b.mu.Unlock()

	if b.opts.Sender == nil {
		return
	}
	var err error
	switch key.Kind {
	case Group:
		err = b.opts.Sender.Send(protocol.TypeClientChatRead, protocol.ChatReadEvent{ClientID: key.ID, At: at})
	case Direct:
		err = b.opts.Sender.Send(protocol.TypeDMChatRead, protocol.ChatReadEvent{PeerID: key.ID})
	}
	if err != nil {
		b.log.Debug().Err(err).Str("conversation", key.ID).Msg("read receipt not sent")
	}
}

func (b *Book) conv(key Key) *conversation {
	c, ok := b.convs[key]
	if !ok {
		c = &conversation{key: key, entries: make(map[string]*Entry)}
		b.convs[key] = c
	}
	return c
}

func (b *Book) subscribers() []func(Key) {
	return append([]func(Key){}, b.subs...)
}

func notify(subs []func(Key), key Key) {
	for _, fn := range subs {
		fn(key)
	}
}

func (c *conversation) latest() time.Time {
	var t time.Time
	for _, e := range c.entries {
		if e.CreatedAt.After(t) {
			t = e.CreatedAt
		}
	}
	return t
}

func (c *conversation) recountUnread(self string) {
	n := 0
	for _, e := range c.entries {
		if e.FromID != self && e.CreatedAt.After(c.lastReadAt) {
			n++
		}
	}
	c.unread = n
}

func (c *conversation) snapshot() Conversation {
	out := Conversation{
		Key:        c.key,
		Messages:   make([]Entry, 0, len(c.entries)),
		Unread:     c.unread,
		LastReadAt: c.lastReadAt,
		ClearedAt:  c.clearedAt,
	}
	for _, e := range c.entries {
		out.Messages = append(out.Messages, *e)
	}
	sort.Slice(out.Messages, func(i, j int) bool {
		a, b := out.Messages[i], out.Messages[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}
