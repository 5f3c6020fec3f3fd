package sync

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	clientapi "github.com/y804508275/happy-sub000/internal/client/api"
	clientws "github.com/y804508275/happy-sub000/internal/client/websocket"
	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/wire"
)

type fakeAPI struct {
	listSessions func(ctx context.Context, activeOnly bool) ([]clientapi.Session, error)
	fetch        func(ctx context.Context, sessionID string, afterSeq int64, limit int) (wire.FetchMessagesResponse, error)
	submit       func(ctx context.Context, sessionID string, entries []wire.OutboxEntry) (wire.SubmitBatchResponse, error)
}

func (f *fakeAPI) ListSessions(ctx context.Context, activeOnly bool) ([]clientapi.Session, error) {
	if f.listSessions == nil {
		return nil, nil
	}
	return f.listSessions(ctx, activeOnly)
}

func (f *fakeAPI) ListMachines(context.Context) ([]clientapi.Machine, error) { return nil, nil }

func (f *fakeAPI) ListArtifacts(context.Context) ([]clientapi.Artifact, error) { return nil, nil }

func (f *fakeAPI) GetAccount(context.Context) (clientapi.Account, error) {
	return clientapi.Account{}, nil
}

func (f *fakeAPI) SubmitMessageBatch(ctx context.Context, sessionID string, entries []wire.OutboxEntry) (wire.SubmitBatchResponse, error) {
	if f.submit == nil {
		return wire.SubmitBatchResponse{}, nil
	}
	return f.submit(ctx, sessionID, entries)
}

func (f *fakeAPI) FetchMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) (wire.FetchMessagesResponse, error) {
	if f.fetch == nil {
		return wire.FetchMessagesResponse{}, nil
	}
	return f.fetch(ctx, sessionID, afterSeq, limit)
}

func (f *fakeAPI) UpdateSettings(context.Context, string, int64) (int64, error) { return 0, nil }

func (f *fakeAPI) UpdateProfile(context.Context, string, int64) (int64, error) { return 0, nil }

type fakeSocket struct {
	mu       sync.Mutex
	handlers map[string][]clientws.EventHandler
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{handlers: make(map[string][]clientws.EventHandler)}
}

func (s *fakeSocket) On(event string, handler clientws.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *fakeSocket) OnReconnected(func()) func() { return func() {} }

// push delivers a server event to its registered handlers.
func (s *fakeSocket) push(t *testing.T, event string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	s.mu.Lock()
	handlers := append([]clientws.EventHandler(nil), s.handlers[event]...)
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(payload)
	}
}

func newTestEngine(t *testing.T, api *fakeAPI, socket *fakeSocket, notifier *countingNotifier) *Engine {
	t.Helper()
	engine, err := New(Config{
		API:             api,
		Socket:          socket,
		Notifier:        notifier,
		Log:             zerolog.Nop(),
		WatchdogTimeout: 60 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Dispose)
	return engine
}

func encryptedMessage(t *testing.T, key []byte, id string, seq int64, text string) *wire.UpdateMessage {
	t.Helper()
	content, err := json.Marshal(map[string]string{"text": text})
	require.NoError(t, err)
	cipher, err := crypto.EncryptWithDataKey(content, key)
	require.NoError(t, err)
	return &wire.UpdateMessage{
		ID:        id,
		Seq:       seq,
		Content:   wire.NewEncryptedContent(cipher),
		CreatedAt: time.Now().UnixMilli(),
	}
}

func TestEngineFastPathAppliesContiguousMessage(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	socket := newFakeSocket()
	engine := newTestEngine(t, &fakeAPI{}, socket, &countingNotifier{})
	require.NoError(t, engine.SeedSessionKey("s1", key))

	socket.push(t, "update", wire.UpdateEnvelope{
		ID:  "u1",
		Seq: 1,
		Body: wire.UpdateBody{
			T:       wire.UpdateNewMessage,
			SID:     "s1",
			Message: encryptedMessage(t, key, "m1", 1, "hello"),
		},
	})

	require.Eventually(t, func() bool {
		messages := engine.Store().Messages("s1")
		return len(messages) == 1 && messages[0].ID == "m1"
	}, 5*time.Second, 10*time.Millisecond)

	messages := engine.Store().Messages("s1")
	require.JSONEq(t, `{"text":"hello"}`, string(messages[0].Content))
	require.EqualValues(t, 1, engine.Store().LastKnownSeq("s1"))
}

func TestEngineSeqGapFallsBackToFetch(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	backlog := make([]wire.MessageRecord, 0, 3)
	for i := int64(1); i <= 3; i++ {
		msg := encryptedMessage(t, key, fmt.Sprintf("m%d", i), i, "backlog")
		backlog = append(backlog, wire.MessageRecord{
			ID: msg.ID, Seq: msg.Seq, Content: msg.Content, CreatedAt: msg.CreatedAt,
		})
	}

	api := &fakeAPI{
		fetch: func(_ context.Context, sessionID string, afterSeq int64, _ int) (wire.FetchMessagesResponse, error) {
			var page []wire.MessageRecord
			for _, record := range backlog {
				if record.Seq > afterSeq {
					page = append(page, record)
				}
			}
			return wire.FetchMessagesResponse{Messages: page}, nil
		},
	}

	socket := newFakeSocket()
	engine := newTestEngine(t, api, socket, &countingNotifier{})
	require.NoError(t, engine.SeedSessionKey("s1", key))

	// Seq 3 with nothing known yet is a gap: the whole backlog arrives via
	// the catch-up fetch instead.
	socket.push(t, "update", wire.UpdateEnvelope{
		ID:  "u1",
		Seq: 1,
		Body: wire.UpdateBody{
			T:       wire.UpdateNewMessage,
			SID:     "s1",
			Message: encryptedMessage(t, key, "m3-dup", 3, "latest"),
		},
	})

	require.Eventually(t, func() bool {
		return len(engine.Store().Messages("s1")) == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 3, engine.Store().LastKnownSeq("s1"))
}

func TestEngineSendMessageConfirmsOnFlush(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	var submitted []wire.OutboxEntry
	var submitMu sync.Mutex
	proceed := make(chan struct{})
	api := &fakeAPI{
		submit: func(_ context.Context, sessionID string, entries []wire.OutboxEntry) (wire.SubmitBatchResponse, error) {
			<-proceed
			submitMu.Lock()
			submitted = append(submitted, entries...)
			submitMu.Unlock()
			results := make([]wire.SubmitBatchResult, len(entries))
			for i, entry := range entries {
				results[i] = wire.SubmitBatchResult{LocalID: entry.LocalID, ID: "srv-1", Seq: int64(i) + 1}
			}
			return wire.SubmitBatchResponse{Results: results, LastSeq: int64(len(entries))}, nil
		},
	}

	engine := newTestEngine(t, api, newFakeSocket(), &countingNotifier{})
	require.NoError(t, engine.SeedSessionKey("s1", key))

	localID, err := engine.SendMessage("s1", json.RawMessage(`{"text":"out"}`))
	require.NoError(t, err)
	require.NotEmpty(t, localID)

	// The optimistic send is visible immediately, before any network ack.
	messages := engine.Store().Messages("s1")
	require.Len(t, messages, 1)
	require.True(t, messages[0].Pending)
	close(proceed)

	require.Eventually(t, func() bool {
		messages := engine.Store().Messages("s1")
		return len(messages) == 1 && !messages[0].Pending && messages[0].ID == "srv-1"
	}, 5*time.Second, 10*time.Millisecond)

	submitMu.Lock()
	defer submitMu.Unlock()
	require.Len(t, submitted, 1)
	require.Equal(t, localID, submitted[0].LocalID)
}

func TestEngineWatchdogFailsUndeliveredSends(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	// Submission hangs until cancelled, as if the network were gone.
	api := &fakeAPI{
		submit: func(ctx context.Context, _ string, _ []wire.OutboxEntry) (wire.SubmitBatchResponse, error) {
			<-ctx.Done()
			return wire.SubmitBatchResponse{}, ctx.Err()
		},
	}

	notifier := &countingNotifier{}
	engine := newTestEngine(t, api, newFakeSocket(), notifier)
	require.NoError(t, engine.SeedSessionKey("s1", key))

	engine.SetForeground(false)
	_, err = engine.SendMessage("s1", json.RawMessage(`{"text":"lost"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, msg := range engine.Store().Messages("s1") {
			if msg.Failed {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// Exactly one synthetic failure notice and one notification.
	require.Eventually(t, func() bool {
		return len(engine.Store().Messages("s1")) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, notifier.total())
}

func TestEngineRefreshSessionsDecryptsAndCachesKeys(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)
	keyB64 := base64.StdEncoding.EncodeToString(key)

	metadata, err := crypto.EncryptWithDataKey([]byte(`{"name":"laptop"}`), key)
	require.NoError(t, err)

	api := &fakeAPI{
		listSessions: func(context.Context, bool) ([]clientapi.Session, error) {
			return []clientapi.Session{{
				ID:                "s1",
				Tag:               "tag-1",
				Metadata:          metadata,
				MetadataVersion:   1,
				DataEncryptionKey: &keyB64,
			}}, nil
		},
	}

	engine := newTestEngine(t, api, newFakeSocket(), &countingNotifier{})
	require.NoError(t, engine.refreshSessions(context.Background()))

	session, ok := engine.Store().GetSession("s1")
	require.True(t, ok)
	require.JSONEq(t, `{"name":"laptop"}`, string(session.Metadata))

	// The data key is now cached for message decryption.
	_, cached := engine.keys.cached("s1")
	require.True(t, cached)
}

func TestEngineAppliesVersionedSessionUpdate(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	socket := newFakeSocket()
	engine := newTestEngine(t, &fakeAPI{}, socket, &countingNotifier{})
	require.NoError(t, engine.SeedSessionKey("s1", key))
	engine.Store().ApplySessions([]Session{{ID: "s1", MetadataVersion: 3}})

	newMetadata, err := crypto.EncryptWithDataKey([]byte(`{"name":"renamed"}`), key)
	require.NoError(t, err)

	socket.push(t, "update", wire.UpdateEnvelope{
		ID:  "u1",
		Seq: 2,
		Body: wire.UpdateBody{
			T:        wire.UpdateSession,
			ID:       "s1",
			Metadata: &wire.VersionedValue{Value: newMetadata, Version: 4},
		},
	})

	session, ok := engine.Store().GetSession("s1")
	require.True(t, ok)
	require.EqualValues(t, 4, session.MetadataVersion)
	require.JSONEq(t, `{"name":"renamed"}`, string(session.Metadata))

	// A stale version is ignored.
	staleMetadata, err := crypto.EncryptWithDataKey([]byte(`{"name":"old"}`), key)
	require.NoError(t, err)
	socket.push(t, "update", wire.UpdateEnvelope{
		ID:  "u2",
		Seq: 3,
		Body: wire.UpdateBody{
			T:        wire.UpdateSession,
			ID:       "s1",
			Metadata: &wire.VersionedValue{Value: staleMetadata, Version: 2},
		},
	})

	session, _ = engine.Store().GetSession("s1")
	require.EqualValues(t, 4, session.MetadataVersion)
}

func TestEngineForegroundSchedulesCatchUpFetch(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	var fetches atomic.Int64
	api := &fakeAPI{
		fetch: func(_ context.Context, sessionID string, afterSeq int64, _ int) (wire.FetchMessagesResponse, error) {
			require.Equal(t, "s1", sessionID)
			require.EqualValues(t, 5, afterSeq)
			fetches.Add(1)
			return wire.FetchMessagesResponse{}, nil
		},
	}
	engine := newTestEngine(t, api, newFakeSocket(), &countingNotifier{})
	require.NoError(t, engine.SeedSessionKey("s1", key))
	engine.Store().ApplySessions([]Session{{ID: "s1"}})
	engine.Restore(map[string]int64{"s1": 5})

	// Already in the foreground: no transition, no fetch.
	engine.SetForeground(true)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, fetches.Load())

	engine.SetForeground(false)
	engine.SetForeground(true)

	require.Eventually(t, func() bool {
		return fetches.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngineRefreshEvictsDeletedSessions(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)
	keyB64 := base64.StdEncoding.EncodeToString(key)

	metadata, err := crypto.EncryptWithDataKey([]byte(`{"name":"laptop"}`), key)
	require.NoError(t, err)

	var deleted atomic.Bool
	api := &fakeAPI{
		listSessions: func(context.Context, bool) ([]clientapi.Session, error) {
			if deleted.Load() {
				return nil, nil
			}
			return []clientapi.Session{{
				ID:                "s1",
				Metadata:          metadata,
				DataEncryptionKey: &keyB64,
			}}, nil
		},
	}

	engine := newTestEngine(t, api, newFakeSocket(), &countingNotifier{})
	require.NoError(t, engine.refreshSessions(context.Background()))

	// Materialize the per-session lanes and some local state.
	_, err = engine.SendMessage("s1", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	engine.fetchChannel("s1")

	// The session disappears server-side; the next refresh tears everything
	// down.
	deleted.Store(true)
	require.NoError(t, engine.refreshSessions(context.Background()))

	_, ok := engine.Store().GetSession("s1")
	require.False(t, ok)
	require.Empty(t, engine.Store().Messages("s1"))
	_, cached := engine.keys.cached("s1")
	require.False(t, cached)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.NotContains(t, engine.fetchChs, "s1")
	require.NotContains(t, engine.sendChs, "s1")
	require.NotContains(t, engine.outboxes, "s1")
}
