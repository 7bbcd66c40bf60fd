package protocol

import "time"

// ChatMessage is one message of a client (group) conversation or of a
// direct-message conversation. Edits keep the id and bump UpdatedAt.
type ChatMessage struct {
	ID        string     `json:"id"`
	ClientID  string     `json:"clientId,omitempty"`
	FromID    string     `json:"fromId"`
	FromName  string     `json:"fromName,omitempty"`
	ToID      string     `json:"toId,omitempty"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
}

// ChatMessageEvent carries client_chat_new/update and dm_chat_new/update.
// Backfill marks replays sent to bring a reconnecting client up to date.
type ChatMessageEvent struct {
	Message  ChatMessage `json:"message"`
	Backfill bool        `json:"backfill,omitempty"`
}

// ChatClearEvent carries client_chat_clear.
type ChatClearEvent struct {
	ClientID  string    `json:"clientId"`
	ClearedAt time.Time `json:"clearedAt"`
	ClearedBy string    `json:"clearedBy,omitempty"`
}

// ChatReadEvent is sent by a client for client_chat_read and by the server
// for dm_chat_read (ReaderID read every message of PeerID up to At).
type ChatReadEvent struct {
	ClientID string    `json:"clientId,omitempty"`
	ReaderID string    `json:"readerId,omitempty"`
	PeerID   string    `json:"peerId,omitempty"`
	At       time.Time `json:"at"`
}

// DMReceiptEvent tells a sender its direct messages reached the recipient.
type DMReceiptEvent struct {
	MessageIDs  []string  `json:"messageIds"`
	RecipientID string    `json:"recipientId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}
