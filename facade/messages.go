package facade

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/writepolicy"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead:
		return true
	}
	return false
}

func roomMessages(roomID string) string { return fmt.Sprintf(roomMessagesCollectionFmt, roomID) }

/*
Messages records delivery and read receipts for chat messages.

Receipts go through the shared batch writer scoped by room, so a burst of
receipts for one room becomes one commit and a later receipt for the same
message replaces an earlier one still queued.
*/
type Messages struct {
	deps   Deps
	logger zerolog.Logger
}

func NewMessages(d Deps) *Messages {
	d = d.withDefaults()
	return &Messages{
		deps:   d,
		logger: d.Logger.With().Str("component", "facade").Str("facade", "messages").Logger(),
	}
}

// statusFields is the update recording that userID moved a message to status.
func statusFields(status MessageStatus, userID string) map[string]any {
	return map[string]any{
		"status":              string(status),
		string(status) + "At": docstore.ServerTimestamp,
		string(status) + "By": userID,
		"updatedAt":           docstore.ServerTimestamp,
	}
}

// UpdateStatus queues a status change of one message in roomID.
func (m *Messages) UpdateStatus(ctx context.Context, roomID, messageID string, status MessageStatus, userID string) error {
	if !status.valid() {
		return fmt.Errorf("message %s: unknown status %q", messageID, status)
	}
	return m.deps.Writer.OnWrite(ctx, writepolicy.Mutation{
		ScopeID:    roomID,
		Collection: roomMessages(roomID),
		ID:         messageID,
		Fields:     statusFields(status, userID),
		EnqueuedAt: m.deps.Clock.Now(),
	})
}

// MarkRead queues read receipts from userID for every message in ids.
func (m *Messages) MarkRead(ctx context.Context, roomID string, ids []string, userID string) error {
	for _, id := range ids {
		if err := m.UpdateStatus(ctx, roomID, id, StatusRead, userID); err != nil {
			return err
		}
	}
	return nil
}

// MarkDelivered queues delivery receipts for userID.
func (m *Messages) MarkDelivered(ctx context.Context, roomID string, ids []string, userID string) error {
	for _, id := range ids {
		if err := m.UpdateStatus(ctx, roomID, id, StatusDelivered, userID); err != nil {
			return err
		}
	}
	return nil
}

// Flush commits every queued receipt now.
func (m *Messages) Flush(ctx context.Context) error { return m.deps.Writer.Flush(ctx) }

// CleanupOld deletes up to one batch of messages in roomID created more than olderThan ago.
func (m *Messages) CleanupOld(ctx context.Context, roomID string, olderThan time.Duration) (int, error) {
	cutoff := m.deps.Clock.Now().Add(-olderThan)
	coll := roomMessages(roomID)
	q := docstore.Query{}.Where("createdAt", docstore.LT, cutoff).WithLimit(docstore.MaxBatchWrites)
	docs, err := m.deps.Store.Query(ctx, coll, q)
	if err != nil {
		m.logger.Error().Err(err).Str("room", roomID).Msg("old message scan failed")
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	writes := make([]docstore.Write, len(docs))
	for i, d := range docs {
		writes[i] = docstore.DeleteDoc(coll, d.ID)
	}
	err = m.deps.Store.BatchWrite(ctx, writes)
	m.deps.Metrics.BatchCommit(len(writes), err)
	if err != nil {
		m.logger.Error().Err(err).Str("room", roomID).Int("messages", len(writes)).Msg("old message delete failed")
		return 0, err
	}
	m.logger.Info().Str("room", roomID).Int("deleted", len(writes)).Msg("old messages removed")
	return len(writes), nil
}
