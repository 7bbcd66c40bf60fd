package app

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"

	"plixmap/api/internal/auth"
	"plixmap/api/internal/protocol"
	"plixmap/api/internal/rbac"
	"plixmap/api/internal/realtime"
	"plixmap/api/internal/store"
	"plixmap/api/internal/util"
)

const (
	maxChatLength = 4000
	backfillLimit = 50
)

func chatText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is too long", nil)
	}
	return text, nil
}

func (s *Service) publish(ctx context.Context, target realtime.Target, kind protocol.EnvelopeType, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, target, kind, payload); err != nil {
		s.log.Error().Err(err).Str("type", string(kind)).Msg("publish failed")
	}
}

func (s *Service) countChat(kind string) {
	if s.metrics != nil {
		s.metrics.ChatMessagesSent.WithLabelValues(kind).Inc()
	}
}

// ── Client (group) chat ──

func (s *Service) SendClientMessage(ctx context.Context, id auth.Identity, clientID, raw string) (protocol.ChatMessage, error) {
	if !s.Can(id, rbac.ActionChat) {
		return protocol.ChatMessage{}, errForbidden
	}
	text, err := chatText(raw)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	row := store.ChatRow{
		ID:        util.NewID("msg"),
		ClientID:  clientID,
		FromID:    id.UserID,
		FromName:  id.Name,
		Body:      text,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.InsertChatMessage(ctx, row); err != nil {
		return protocol.ChatMessage{}, err
	}
	msg := row.ToProtocol()
	s.countChat("client")
	s.publish(ctx, realtime.Target{}, protocol.TypeClientChatNew, protocol.ChatMessageEvent{Message: msg})
	return msg, nil
}

func (s *Service) EditClientMessage(ctx context.Context, id auth.Identity, clientID, messageID, raw string) (protocol.ChatMessage, error) {
	text, err := chatText(raw)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	row, err := s.store.UpdateChatMessage(ctx, messageID, id.UserID, text, s.clock.Now())
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	if row.ClientID != clientID {
		return protocol.ChatMessage{}, store.ErrNotFound
	}
	msg := row.ToProtocol()
	s.publish(ctx, realtime.Target{}, protocol.TypeClientChatUpdate, protocol.ChatMessageEvent{Message: msg})
	return msg, nil
}

func (s *Service) ClearClientChat(ctx context.Context, id auth.Identity, clientID string) (int64, error) {
	if !s.Can(id, rbac.ActionModerate) {
		return 0, errForbidden
	}
	n, err := s.store.ClearClientChat(ctx, clientID)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, realtime.Target{}, protocol.TypeClientChatClear, protocol.ChatClearEvent{
		ClientID:  clientID,
		ClearedAt: s.clock.Now(),
		ClearedBy: id.UserID,
	})
	return n, nil
}

func (s *Service) ListClientChat(ctx context.Context, id auth.Identity, clientID string, limit int) ([]protocol.ChatMessage, error) {
	if !s.Can(id, rbac.ActionRead) {
		return nil, errForbidden
	}
	rows, err := s.store.ListClientChat(ctx, clientID, limit)
	if err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

// ── Direct messages ──

func (s *Service) SendDirectMessage(ctx context.Context, id auth.Identity, toID, raw string) (protocol.ChatMessage, error) {
	if !s.Can(id, rbac.ActionChat) {
		return protocol.ChatMessage{}, errForbidden
	}
	if toID == "" || toID == id.UserID {
		return protocol.ChatMessage{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid recipient", nil)
	}
	text, err := chatText(raw)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	row := store.ChatRow{
		ID:        util.NewID("dm"),
		FromID:    id.UserID,
		FromName:  id.Name,
		ToID:      toID,
		Body:      text,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.InsertChatMessage(ctx, row); err != nil {
		return protocol.ChatMessage{}, err
	}
	msg := row.ToProtocol()
	s.countChat("direct")
	s.publish(ctx, realtime.ToActors(id.UserID, toID), protocol.TypeDMChatNew, protocol.ChatMessageEvent{Message: msg})

	if s.presence != nil && s.presence.IsOnline(toID) {
		s.deliverPending(ctx, toID)
	}
	return msg, nil
}

func (s *Service) EditDirectMessage(ctx context.Context, id auth.Identity, peerID, messageID, raw string) (protocol.ChatMessage, error) {
	text, err := chatText(raw)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	row, err := s.store.UpdateChatMessage(ctx, messageID, id.UserID, text, s.clock.Now())
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	if row.ToID != peerID {
		return protocol.ChatMessage{}, store.ErrNotFound
	}
	msg := row.ToProtocol()
	s.publish(ctx, realtime.ToActors(id.UserID, peerID), protocol.TypeDMChatUpdate, protocol.ChatMessageEvent{Message: msg})
	return msg, nil
}

func (s *Service) ListDirectChat(ctx context.Context, id auth.Identity, peerID string, limit int) ([]protocol.ChatMessage, error) {
	rows, err := s.store.ListDirectChat(ctx, id.UserID, peerID, limit)
	if err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

// MarkDirectRead records that id read everything peerID sent and tells both
// sides.
func (s *Service) MarkDirectRead(ctx context.Context, id auth.Identity, peerID string) (protocol.ChatReadEvent, error) {
	if peerID == "" {
		return protocol.ChatReadEvent{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "peer is required", nil)
	}
	at := s.clock.Now()
	if err := s.store.MarkDirectRead(ctx, id.UserID, peerID, at); err != nil {
		return protocol.ChatReadEvent{}, err
	}
	ev := protocol.ChatReadEvent{ReaderID: id.UserID, PeerID: peerID, At: at}
	s.publish(ctx, realtime.ToActors(id.UserID, peerID), protocol.TypeDMChatRead, ev)
	return ev, nil
}

// deliverPending stamps undelivered messages to recipientID and sends each
// sender one receipt.
func (s *Service) deliverPending(ctx context.Context, recipientID string) {
	at := s.clock.Now()
	rows, err := s.store.MarkDirectDelivered(ctx, recipientID, at)
	if err != nil {
		s.log.Error().Err(err).Str("recipient_id", recipientID).Msg("mark delivered failed")
		return
	}
	bySender := map[string][]string{}
	var order []string
	for _, row := range rows {
		if _, ok := bySender[row.FromID]; !ok {
			order = append(order, row.FromID)
		}
		bySender[row.FromID] = append(bySender[row.FromID], row.ID)
	}
	for _, sender := range order {
		s.publish(ctx, realtime.ToActors(sender), protocol.TypeDMChatReceipt, protocol.DMReceiptEvent{
			MessageIDs:  bySender[sender],
			RecipientID: recipientID,
			DeliveredAt: at,
		})
	}
}

func toMessages(rows []store.ChatRow) []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ToProtocol())
	}
	return out
}

// ── realtime.SessionHooks ──

// Connected registers the user, replays recent conversations to the new
// socket as backfill and delivers direct messages that waited for it.
func (s *Service) Connected(ctx context.Context, actor auth.Identity, socketID string) {
	if err := s.store.EnsureUser(ctx, store.User{ID: actor.UserID, DisplayName: actor.Name, Role: string(actor.Role)}); err != nil {
		s.log.Error().Err(err).Str("actor_id", actor.UserID).Msg("ensure user failed")
	}
	socket := realtime.Target{SocketID: socketID}

	state, err := s.store.LoadState(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("backfill: load state failed")
	} else {
		for _, client := range state.Clients {
			rows, err := s.store.ListClientChat(ctx, client.ID, backfillLimit)
			if err != nil {
				s.log.Error().Err(err).Str("client_id", client.ID).Msg("backfill: client chat failed")
				continue
			}
			for _, row := range rows {
				s.publish(ctx, socket, protocol.TypeClientChatNew, protocol.ChatMessageEvent{Message: row.ToProtocol(), Backfill: true})
			}
		}
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("backfill: list users failed")
	}
	for _, peer := range users {
		if peer.ID == actor.UserID {
			continue
		}
		rows, err := s.store.ListDirectChat(ctx, actor.UserID, peer.ID, backfillLimit)
		if err != nil {
			s.log.Error().Err(err).Str("peer_id", peer.ID).Msg("backfill: direct chat failed")
			continue
		}
		for _, row := range rows {
			s.publish(ctx, socket, protocol.TypeDMChatNew, protocol.ChatMessageEvent{Message: row.ToProtocol(), Backfill: true})
		}
	}

	s.deliverPending(ctx, actor.UserID)
}

// ClientChatRead mirrors a group read mark to the reader's other sockets.
func (s *Service) ClientChatRead(ctx context.Context, actor auth.Identity, ev protocol.ChatReadEvent) {
	ev.ReaderID = actor.UserID
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	s.publish(ctx, realtime.ToActors(actor.UserID), protocol.TypeClientChatRead, ev)
}

func (s *Service) DirectChatRead(ctx context.Context, actor auth.Identity, ev protocol.ChatReadEvent) {
	if _, err := s.MarkDirectRead(ctx, actor, ev.PeerID); err != nil {
		s.log.Debug().Err(err).Str("actor_id", actor.UserID).Msg("direct read failed")
	}
}
