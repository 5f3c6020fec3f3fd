package sync

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// messageAPI is the slice of the REST client the fetcher needs.
type messageAPI interface {
	FetchMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) (wire.FetchMessagesResponse, error)
}

// messageFetcher pages a session's backlog from the server and feeds the
// decrypted messages into the inbox. It runs as the refresh function of a
// per-session fetch channel, so concurrent triggers coalesce and failures
// retry with backoff.
type messageFetcher struct {
	api      messageAPI
	store    *Store
	inbox    *inboxArena
	keys     *keyCache
	pageSize int
	log      zerolog.Logger

	// onMissingKey asks the engine to refresh session metadata when a
	// session's data key has not been seen yet.
	onMissingKey func(sessionID string)
}

// fetchSession pulls everything after the session's last known seq. It keeps
// a local cursor because inbox application is asynchronous, and stops when
// the server reports no more pages or a page fails to advance the cursor.
func (f *messageFetcher) fetchSession(ctx context.Context, sessionID string) error {
	key, ok := f.keys.cached(sessionID)
	if !ok {
		if f.onMissingKey != nil {
			f.onMissingKey(sessionID)
		}
		return fmt.Errorf("no data key for session %s yet", sessionID)
	}

	cursor := f.store.LastKnownSeq(sessionID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := f.api.FetchMessagesAfter(ctx, sessionID, cursor, f.pageSize)
		if err != nil {
			return fmt.Errorf("fetch messages for session %s after %d: %w", sessionID, cursor, err)
		}
		if len(page.Messages) == 0 {
			return nil
		}

		advanced := false
		for _, record := range page.Messages {
			if record.Seq > cursor {
				cursor = record.Seq
				advanced = true
			}
		}
		f.inbox.enqueue(sessionID, f.decryptPage(sessionID, key, page.Messages))

		if !page.HasMore {
			return nil
		}
		if !advanced {
			// A non-advancing page with hasMore set would loop forever.
			f.log.Warn().Str("session_id", sessionID).Int64("cursor", cursor).
				Msg("fetch page did not advance cursor, stopping")
			return nil
		}
	}
}

// decryptPage converts fetched records to store messages. A record that
// fails to decrypt is dropped with a log line; one poisoned message must not
// stall the rest of the backlog.
func (f *messageFetcher) decryptPage(sessionID string, key []byte, records []wire.MessageRecord) []Message {
	out := make([]Message, 0, len(records))
	for _, record := range records {
		msg, err := decryptMessageRecord(sessionID, key, record)
		if err != nil {
			f.log.Warn().Err(err).Str("session_id", sessionID).Str("message_id", record.ID).
				Msg("dropping undecryptable message")
			continue
		}
		out = append(out, msg)
	}
	return out
}

func decryptMessageRecord(sessionID string, key []byte, record wire.MessageRecord) (Message, error) {
	msg := Message{
		ID:        record.ID,
		SessionID: sessionID,
		Seq:       record.Seq,
		CreatedAt: record.CreatedAt,
	}
	if record.LocalID != nil {
		msg.LocalID = *record.LocalID
	}
	if record.Content == nil {
		return Message{}, fmt.Errorf("message %s has no content", record.ID)
	}
	plaintext, err := crypto.DecryptWithDataKey(record.Content.C, key)
	if err != nil {
		return Message{}, fmt.Errorf("decrypt message %s: %w", record.ID, err)
	}
	msg.Content = json.RawMessage(plaintext)
	return msg, nil
}

// decryptUpdateMessage converts a pushed "new-message" update payload to a
// store message.
func decryptUpdateMessage(sessionID string, key []byte, update *wire.UpdateMessage) (Message, error) {
	record := wire.MessageRecord{
		ID:        update.ID,
		Seq:       update.Seq,
		LocalID:   update.LocalID,
		Content:   update.Content,
		CreatedAt: update.CreatedAt,
	}
	return decryptMessageRecord(sessionID, key, record)
}
