package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	clientapi "github.com/y804508275/happy-sub000/internal/client/api"
	clientws "github.com/y804508275/happy-sub000/internal/client/websocket"
	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/notify"
	"github.com/y804508275/happy-sub000/internal/wire"
)

const (
	defaultWatchdogTimeout = 30 * time.Second
	defaultFetchPageSize   = 100
	defaultActiveWindow    = 10 * time.Minute
)

// API is the slice of the REST client the engine drives. *clientapi.Client
// satisfies it; tests substitute fakes.
type API interface {
	ListSessions(ctx context.Context, activeOnly bool) ([]clientapi.Session, error)
	ListMachines(ctx context.Context) ([]clientapi.Machine, error)
	ListArtifacts(ctx context.Context) ([]clientapi.Artifact, error)
	GetAccount(ctx context.Context) (clientapi.Account, error)
	SubmitMessageBatch(ctx context.Context, sessionID string, entries []wire.OutboxEntry) (wire.SubmitBatchResponse, error)
	FetchMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) (wire.FetchMessagesResponse, error)
	UpdateSettings(ctx context.Context, value string, expectedVersion int64) (int64, error)
	UpdateProfile(ctx context.Context, value string, expectedVersion int64) (int64, error)
}

// Socket is the realtime connection surface the engine subscribes to.
type Socket interface {
	On(event string, handler clientws.EventHandler)
	OnReconnected(fn func()) func()
}

// Config configures a sync engine.
type Config struct {
	API      API
	Socket   Socket
	Notifier notify.Notifier

	// SecretKey is the account box secret key used to unwrap per-entity
	// data keys delivered by the server.
	SecretKey *[32]byte
	// MasterKey encrypts account-level blobs (settings, profile).
	MasterKey []byte

	Log zerolog.Logger

	// WatchdogTimeout bounds undelivered sends while backgrounded.
	WatchdogTimeout time.Duration
	// FetchPageSize is the catch-up fetch page size.
	FetchPageSize int
	// ActiveWindow bounds the active-sessions derived view.
	ActiveWindow time.Duration
}

// Engine keeps the local entity store converged with the server. Collections
// refresh through coalescing channels; messages flow through per-session
// inbox, outbox and catch-up fetch lanes. All store writes funnel through
// the engine.
type Engine struct {
	cfg      Config
	log      zerolog.Logger
	store    *Store
	keys     *keyCache
	inbox    *inboxArena
	settings *settingsSync
	fetcher  *messageFetcher
	watchdog *deliveryWatchdog

	sessionsCh  *VersionedChannel
	machinesCh  *VersionedChannel
	artifactsCh *VersionedChannel
	accountCh   *VersionedChannel
	settingsCh  *VersionedChannel

	mu         sync.Mutex
	foreground bool
	outboxes   map[string]*outbox
	fetchChs   map[string]*VersionedChannel
	sendChs    map[string]*VersionedChannel

	unsubReconnect func()
	disposeOnce    sync.Once
}

// New builds an engine and subscribes it to the socket. Call Sync to kick
// off the initial convergence.
func New(cfg Config) (*Engine, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("sync engine requires an API client")
	}
	if cfg.MasterKey != nil && len(cfg.MasterKey) != crypto.DataKeySize {
		return nil, fmt.Errorf("invalid master key size: %d", len(cfg.MasterKey))
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = defaultWatchdogTimeout
	}
	if cfg.FetchPageSize <= 0 {
		cfg.FetchPageSize = defaultFetchPageSize
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = defaultActiveWindow
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogNotifier(cfg.Log)
	}

	log := cfg.Log.With().Str("component", "sync-engine").Logger()

	e := &Engine{
		cfg:        cfg,
		log:        log,
		store:      NewStore(cfg.ActiveWindow),
		keys:       newKeyCache(cfg.SecretKey, log),
		foreground: true,
		outboxes:   make(map[string]*outbox),
		fetchChs:   make(map[string]*VersionedChannel),
		sendChs:    make(map[string]*VersionedChannel),
	}
	e.inbox = newInboxArena(e.store)
	e.settings = newSettingsSync(cfg.API, e.store, cfg.MasterKey, cfg.Notifier, log)
	e.fetcher = &messageFetcher{
		api:      cfg.API,
		store:    e.store,
		inbox:    e.inbox,
		keys:     e.keys,
		pageSize: cfg.FetchPageSize,
		log:      log,
	}
	e.watchdog = newDeliveryWatchdog(cfg.WatchdogTimeout, e.expireOutbox)

	e.sessionsCh = NewVersionedChannel("sessions", e.refreshSessions, log)
	e.machinesCh = NewVersionedChannel("machines", e.refreshMachines, log)
	e.artifactsCh = NewVersionedChannel("artifacts", e.refreshArtifacts, log)
	e.accountCh = NewVersionedChannel("account", e.refreshAccount, log)
	e.settingsCh = NewVersionedChannel("settings", e.settings.refresh, log)
	e.fetcher.onMissingKey = func(string) { e.sessionsCh.Invalidate() }

	if cfg.Socket != nil {
		cfg.Socket.On("update", e.handleUpdateEvent)
		cfg.Socket.On("ephemeral", e.handleEphemeralEvent)
		e.unsubReconnect = cfg.Socket.OnReconnected(e.onReconnected)
	}
	return e, nil
}

// Store exposes the entity cache for read-only snapshot access.
func (e *Engine) Store() *Store { return e.store }

// Settings returns the current settings view (server state plus pending
// local changes).
func (e *Engine) Settings() Settings { return e.settings.Current() }

// Badges returns the derived unread counts.
func (e *Engine) Badges() BadgeCounts { return e.store.Badges() }

// MarkRead advances a session's read cursor to its last known message.
func (e *Engine) MarkRead(sessionID string) { e.store.MarkRead(sessionID) }

// Restore seeds per-session seq anchors persisted by a previous run, so the
// first catch-up fetch only pulls what the client has not seen.
func (e *Engine) Restore(anchors map[string]int64) {
	for sessionID, seq := range anchors {
		e.store.SetLastKnownSeq(sessionID, seq)
	}
}

// Anchors snapshots per-session seq anchors for persistence.
func (e *Engine) Anchors() map[string]int64 {
	out := make(map[string]int64)
	for _, session := range e.store.Sessions() {
		if seq := e.store.LastKnownSeq(session.ID); seq > 0 {
			out[session.ID] = seq
		}
	}
	return out
}

// Sync schedules a full convergence pass over every collection and known
// session backlog. Safe to call repeatedly; triggers coalesce.
func (e *Engine) Sync() {
	e.sessionsCh.Invalidate()
	e.machinesCh.Invalidate()
	e.artifactsCh.Invalidate()
	e.accountCh.Invalidate()
	e.settingsCh.Invalidate()

	e.mu.Lock()
	for _, ch := range e.fetchChs {
		ch.Invalidate()
	}
	for _, ch := range e.sendChs {
		ch.Invalidate()
	}
	e.mu.Unlock()
}

// SetForeground reports app visibility. Backgrounding arms the delivery
// watchdog for any queued sends; returning to the foreground schedules a
// catch-up fetch for every known session so messages pushed while the app
// was hidden are reconciled.
func (e *Engine) SetForeground(foreground bool) {
	e.watchdog.SetForeground(foreground)

	e.mu.Lock()
	wasForeground := e.foreground
	e.foreground = foreground
	existing := make([]*VersionedChannel, 0, len(e.fetchChs))
	for _, ch := range e.fetchChs {
		existing = append(existing, ch)
	}
	e.mu.Unlock()
	if !foreground || wasForeground {
		return
	}

	for _, ch := range existing {
		ch.Invalidate()
	}
	for _, session := range e.store.Sessions() {
		e.fetchChannel(session.ID).Invalidate()
	}
}

// UpdateSettings records a local settings change and schedules the push.
func (e *Engine) UpdateSettings(delta map[string]any) {
	e.settings.Update(delta)
	e.settingsCh.Invalidate()
}

// UpdateProfile writes the profile blob with bounded re-base on version
// races. Unlike settings, profile writes replace the whole value, so the
// retry just re-reads the authoritative version.
func (e *Engine) UpdateProfile(ctx context.Context, profile json.RawMessage) error {
	cipher, err := crypto.EncryptWithDataKey(profile, e.cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("encrypt profile: %w", err)
	}

	_, expected := e.store.GetProfile()
	for attempt := 1; ; attempt++ {
		version, err := e.cfg.API.UpdateProfile(ctx, cipher, expected)
		if err == nil {
			e.store.ApplyProfile(profile, version)
			return nil
		}
		mismatch, ok := asVersionMismatch(err)
		if !ok || attempt >= maxSettingsAttempts {
			return fmt.Errorf("push profile: %w", err)
		}
		expected = mismatch.Version
	}
}

// SendMessage queues an encrypted message for a session and schedules the
// outbox flush. The message appears immediately in the store as a pending
// optimistic send; localId carries idempotency across retries and
// reconnects.
func (e *Engine) SendMessage(sessionID string, content json.RawMessage) (string, error) {
	key, ok := e.keys.cached(sessionID)
	if !ok {
		return "", fmt.Errorf("no data key for session %s", sessionID)
	}
	cipher, err := crypto.EncryptWithDataKey(content, key)
	if err != nil {
		return "", fmt.Errorf("encrypt message: %w", err)
	}

	localID := uuid.New().String()
	e.store.ApplyMessages(sessionID, []Message{{
		ID:        localID,
		SessionID: sessionID,
		LocalID:   localID,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
		Pending:   true,
	}})

	e.outboxFor(sessionID).append(wire.OutboxEntry{LocalID: localID, Content: cipher})
	e.watchdog.NoteOutboxSize(e.totalOutboxSize())
	e.sendChannel(sessionID).Invalidate()
	return localID, nil
}

// Dispose stops every channel and detaches from the socket. Pending sends
// are not flushed.
func (e *Engine) Dispose() {
	e.disposeOnce.Do(func() {
		if e.unsubReconnect != nil {
			e.unsubReconnect()
		}
		e.watchdog.Stop()
		e.sessionsCh.Stop()
		e.machinesCh.Stop()
		e.artifactsCh.Stop()
		e.accountCh.Stop()
		e.settingsCh.Stop()

		e.mu.Lock()
		for _, ch := range e.fetchChs {
			ch.Stop()
		}
		for _, ch := range e.sendChs {
			ch.Stop()
		}
		e.mu.Unlock()
	})
}

func (e *Engine) onReconnected() {
	e.log.Debug().Msg("socket reconnected, scheduling full sync")
	e.Sync()
}

// evictSession tears down all per-session state once the session no longer
// exists on the server: cached messages and seq anchors, the data key, the
// inbox queue, queued sends, and both per-session channels. Without this the
// session-keyed maps grow for the lifetime of the process.
func (e *Engine) evictSession(sessionID string) {
	e.mu.Lock()
	if ch, ok := e.fetchChs[sessionID]; ok {
		ch.Stop()
		delete(e.fetchChs, sessionID)
	}
	if ch, ok := e.sendChs[sessionID]; ok {
		ch.Stop()
		delete(e.sendChs, sessionID)
	}
	if ob, ok := e.outboxes[sessionID]; ok {
		ob.abort()
		ob.drainAll()
		delete(e.outboxes, sessionID)
	}
	e.mu.Unlock()

	e.inbox.evict(sessionID)
	e.keys.evict(sessionID)
	e.store.DeleteSession(sessionID)
	e.watchdog.NoteOutboxSize(e.totalOutboxSize())
	e.log.Debug().Str("session_id", sessionID).Msg("evicted deleted session")
}

// outboxFor returns the session's outbox, creating it on first use.
func (e *Engine) outboxFor(sessionID string) *outbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	ob, ok := e.outboxes[sessionID]
	if !ok {
		ob = &outbox{}
		e.outboxes[sessionID] = ob
	}
	return ob
}

func (e *Engine) totalOutboxSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, ob := range e.outboxes {
		total += ob.size()
	}
	return total
}

// fetchChannel returns the session's catch-up fetch channel, creating it on
// first use.
func (e *Engine) fetchChannel(sessionID string) *VersionedChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.fetchChs[sessionID]
	if !ok {
		ch = NewVersionedChannel("fetch:"+sessionID, func(ctx context.Context) error {
			return e.fetcher.fetchSession(ctx, sessionID)
		}, e.log)
		e.fetchChs[sessionID] = ch
	}
	return ch
}

// sendChannel returns the session's outbox flush channel, creating it on
// first use.
func (e *Engine) sendChannel(sessionID string) *VersionedChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.sendChs[sessionID]
	if !ok {
		ch = NewVersionedChannel("send:"+sessionID, func(ctx context.Context) error {
			return e.flushOutbox(ctx, sessionID)
		}, e.log)
		e.sendChs[sessionID] = ch
	}
	return ch
}

// flushOutbox submits the session's queued sends as one batch and confirms
// the acknowledged messages. A submit aborted by the delivery watchdog is
// not an error; the watchdog already disposed of the entries.
func (e *Engine) flushOutbox(ctx context.Context, sessionID string) error {
	ob := e.outboxFor(sessionID)
	entries := ob.snapshot()
	if len(entries) == 0 {
		return nil
	}

	sctx, cancel := context.WithCancel(ctx)
	ob.setCancel(cancel)
	resp, err := e.cfg.API.SubmitMessageBatch(sctx, sessionID, entries)
	aborted := sctx.Err() != nil && ctx.Err() == nil
	ob.setCancel(nil)
	cancel()
	if err != nil {
		if aborted {
			// The delivery watchdog cancelled the submit and already disposed
			// of the queued entries.
			return nil
		}
		return fmt.Errorf("submit outbox for session %s: %w", sessionID, err)
	}

	submitted := make(map[string]bool, len(resp.Results))
	for _, result := range resp.Results {
		submitted[result.LocalID] = true
		e.store.ConfirmMessage(sessionID, result.LocalID, result.ID, result.Seq)
	}
	ob.removeSubmitted(submitted)
	e.watchdog.NoteOutboxSize(e.totalOutboxSize())

	// Seqs assigned between our last known and the batch results may belong
	// to other clients; reconcile through a catch-up fetch.
	if resp.LastSeq > 0 {
		e.fetchChannel(sessionID).Invalidate()
	}
	return nil
}

// expireOutbox is the delivery watchdog callback: in-flight submits are
// aborted, every queued send is dropped, the affected messages are marked
// failed and exactly one notification is raised.
func (e *Engine) expireOutbox() {
	e.mu.Lock()
	sessions := make([]string, 0, len(e.outboxes))
	for sessionID := range e.outboxes {
		sessions = append(sessions, sessionID)
	}
	e.mu.Unlock()

	total := 0
	for _, sessionID := range sessions {
		ob := e.outboxFor(sessionID)
		ob.abort()
		dropped := ob.drainAll()
		failed := e.store.FailPendingMessages(sessionID)
		if len(dropped) == 0 && failed == 0 {
			continue
		}
		total += failed

		notice, _ := json.Marshal(map[string]any{
			"type":  "delivery-failure",
			"count": failed,
		})
		localID := uuid.New().String()
		e.inbox.enqueue(sessionID, []Message{{
			ID:        localID,
			SessionID: sessionID,
			LocalID:   localID,
			Content:   notice,
			CreatedAt: time.Now().UnixMilli(),
			Pending:   true,
			Failed:    true,
		}})
	}
	e.watchdog.NoteOutboxSize(0)

	if total == 0 {
		return
	}
	e.log.Warn().Int("messages", total).Msg("delivery watchdog expired, dropping queued sends")
	_ = e.cfg.Notifier.Notify(context.Background(), notify.Notification{
		Title: "Messages not delivered",
		Body:  fmt.Sprintf("%d message(s) could not be delivered and were marked failed.", total),
	})
}

// handleUpdateEvent ingests a pushed "update" event. New messages take the
// fast path when they extend the known seq contiguously; any gap falls back
// to a catch-up fetch. Entity updates apply inline when the local copy is
// known, otherwise the collection refreshes.
func (e *Engine) handleUpdateEvent(payload json.RawMessage) {
	env, err := wire.ParseUpdateEnvelope(payload)
	if err != nil {
		e.log.Warn().Err(err).Msg("dropping malformed update event")
		return
	}

	switch env.Body.T {
	case wire.UpdateNewMessage:
		e.handleNewMessage(env.Body.SID, env.Body.Message)
	case wire.UpdateSession:
		e.applySessionUpdate(env.Body)
	case wire.UpdateMachine:
		e.applyMachineUpdate(env.Body)
	case wire.UpdateNewArtifact, wire.UpdateArtifact:
		e.artifactsCh.Invalidate()
	case wire.UpdateDeleteArtifact:
		e.store.DeleteArtifact(env.Body.ID)
		e.keys.evict(env.Body.ID)
	case wire.UpdateAccount:
		e.applyAccountUpdate(env.Body)
	default:
		e.log.Debug().Str("type", env.Body.T).Msg("ignoring unknown update type")
	}
}

func (e *Engine) handleNewMessage(sessionID string, update *wire.UpdateMessage) {
	if sessionID == "" || update == nil {
		return
	}
	key, ok := e.keys.cached(sessionID)
	if ok && update.Seq == e.store.LastKnownSeq(sessionID)+1 {
		msg, err := decryptUpdateMessage(sessionID, key, update)
		if err != nil {
			e.log.Warn().Err(err).Str("session_id", sessionID).
				Msg("dropping undecryptable pushed message")
			return
		}
		e.inbox.enqueue(sessionID, []Message{msg})
		return
	}
	// Out-of-order or unknown session: converge through a full fetch.
	e.fetchChannel(sessionID).Invalidate()
}

func (e *Engine) applySessionUpdate(body wire.UpdateBody) {
	session, ok := e.store.GetSession(body.ID)
	key, keyOK := e.keys.cached(body.ID)
	if !ok || !keyOK {
		e.sessionsCh.Invalidate()
		return
	}
	if body.Metadata != nil && body.Metadata.Version > session.MetadataVersion {
		if value, err := e.decryptField(key, body.Metadata.Value); err == nil {
			session.Metadata = value
			session.MetadataVersion = body.Metadata.Version
		} else {
			e.log.Warn().Err(err).Str("session_id", body.ID).Msg("cannot decrypt session metadata update")
		}
	}
	if body.AgentState != nil && body.AgentState.Version > session.AgentStateVersion {
		if value, err := e.decryptField(key, body.AgentState.Value); err == nil {
			session.AgentState = value
			session.AgentStateVersion = body.AgentState.Version
		} else {
			e.log.Warn().Err(err).Str("session_id", body.ID).Msg("cannot decrypt agent state update")
		}
	}
	e.store.ApplySessions([]Session{session})
}

func (e *Engine) applyMachineUpdate(body wire.UpdateBody) {
	machines := e.store.Machines()
	var machine Machine
	found := false
	for _, m := range machines {
		if m.ID == body.ID {
			machine = m
			found = true
			break
		}
	}
	key, keyOK := e.keys.cached(body.ID)
	if !found || !keyOK {
		e.machinesCh.Invalidate()
		return
	}
	if body.Metadata != nil && body.Metadata.Version > machine.MetadataVersion {
		if value, err := e.decryptField(key, body.Metadata.Value); err == nil {
			machine.Metadata = value
			machine.MetadataVersion = body.Metadata.Version
		}
	}
	if body.DaemonState != nil && body.DaemonState.Version > machine.DaemonStateVersion {
		if value, err := e.decryptField(key, body.DaemonState.Value); err == nil {
			machine.DaemonState = value
			machine.DaemonStateVersion = body.DaemonState.Version
		}
	}
	e.store.ApplyMachines([]Machine{machine})
}

func (e *Engine) applyAccountUpdate(body wire.UpdateBody) {
	if body.Settings != nil {
		if err := e.settings.applyRemote(body.Settings.Value, body.Settings.Version); err != nil {
			e.log.Warn().Err(err).Msg("cannot apply pushed settings")
			e.accountCh.Invalidate()
		}
	}
	if body.Profile != nil {
		_, version := e.store.GetProfile()
		if body.Profile.Version > version {
			if value, err := e.decryptAccountField(body.Profile.Value); err == nil {
				e.store.ApplyProfile(value, body.Profile.Version)
			} else {
				e.log.Warn().Err(err).Msg("cannot apply pushed profile")
				e.accountCh.Invalidate()
			}
		}
	}
}

// handleEphemeralEvent ingests best-effort presence events. These touch
// derived state only (active flags); dropping one is harmless.
func (e *Engine) handleEphemeralEvent(payload json.RawMessage) {
	var ep wire.EphemeralPayload
	if err := json.Unmarshal(payload, &ep); err != nil {
		return
	}
	switch ep.Type {
	case wire.EphemeralActivity:
		session, ok := e.store.GetSession(ep.ID)
		if !ok {
			return
		}
		session.Active = ep.Active
		if ep.ActiveAt > session.ActiveAt {
			session.ActiveAt = ep.ActiveAt
		}
		e.store.ApplySessions([]Session{session})
	case wire.EphemeralMachineActivity:
		for _, machine := range e.store.Machines() {
			if machine.ID != ep.ID {
				continue
			}
			machine.Active = ep.Active
			if ep.ActiveAt > machine.ActiveAt {
				machine.ActiveAt = ep.ActiveAt
			}
			e.store.ApplyMachines([]Machine{machine})
			return
		}
	}
}

// refreshSessions reloads the session collection. Data keys are unwrapped
// and cached as a side effect; a session whose key or fields cannot be
// decrypted is skipped with a log line rather than failing the cycle.
func (e *Engine) refreshSessions(ctx context.Context) error {
	list, err := e.cfg.API.ListSessions(ctx, false)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	// The full remote id set, including sessions skipped below: a decrypt
	// failure is not a deletion.
	remote := make(map[string]bool, len(list))
	for _, r := range list {
		remote[r.ID] = true
	}

	sessions := make([]Session, 0, len(list))
	for _, remote := range list {
		if remote.DataEncryptionKey == nil {
			e.log.Warn().Str("session_id", remote.ID).Msg("session has no data key, skipping")
			continue
		}
		key, err := e.keys.keyFor(remote.ID, *remote.DataEncryptionKey)
		if err != nil {
			e.log.Warn().Err(err).Str("session_id", remote.ID).Msg("cannot unwrap session key, skipping")
			continue
		}

		session := Session{
			ID:                remote.ID,
			Tag:               remote.Tag,
			Active:            remote.Active,
			ActiveAt:          remote.ActiveAt,
			Seq:               remote.Seq,
			MetadataVersion:   remote.MetadataVersion,
			AgentStateVersion: remote.AgentStateVersion,
		}
		if session.Metadata, err = e.decryptField(key, remote.Metadata); err != nil {
			e.log.Warn().Err(err).Str("session_id", remote.ID).Msg("cannot decrypt session metadata, skipping")
			continue
		}
		if remote.AgentState != nil {
			if session.AgentState, err = e.decryptField(key, *remote.AgentState); err != nil {
				e.log.Warn().Err(err).Str("session_id", remote.ID).Msg("cannot decrypt agent state")
			}
		}
		sessions = append(sessions, session)
	}
	e.store.ApplySessions(sessions)

	for _, session := range e.store.Sessions() {
		if !remote[session.ID] {
			e.evictSession(session.ID)
		}
	}
	return nil
}

func (e *Engine) refreshMachines(ctx context.Context) error {
	list, err := e.cfg.API.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}

	machines := make([]Machine, 0, len(list))
	for _, remote := range list {
		if remote.DataEncryptionKey == nil {
			continue
		}
		key, err := e.keys.keyFor(remote.ID, *remote.DataEncryptionKey)
		if err != nil {
			e.log.Warn().Err(err).Str("machine_id", remote.ID).Msg("cannot unwrap machine key, skipping")
			continue
		}

		machine := Machine{
			ID:                 remote.ID,
			Active:             remote.Active,
			ActiveAt:           remote.ActiveAt,
			MetadataVersion:    remote.MetadataVersion,
			DaemonStateVersion: remote.DaemonStateVersion,
		}
		if machine.Metadata, err = e.decryptField(key, remote.Metadata); err != nil {
			e.log.Warn().Err(err).Str("machine_id", remote.ID).Msg("cannot decrypt machine metadata, skipping")
			continue
		}
		if remote.DaemonState != nil {
			if machine.DaemonState, err = e.decryptField(key, *remote.DaemonState); err != nil {
				e.log.Warn().Err(err).Str("machine_id", remote.ID).Msg("cannot decrypt daemon state")
			}
		}
		machines = append(machines, machine)
	}
	e.store.ApplyMachines(machines)
	return nil
}

func (e *Engine) refreshArtifacts(ctx context.Context) error {
	list, err := e.cfg.API.ListArtifacts(ctx)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}

	artifacts := make([]Artifact, 0, len(list))
	for _, remote := range list {
		if remote.DataEncryptionKey == nil {
			continue
		}
		key, err := e.keys.keyFor(remote.ID, *remote.DataEncryptionKey)
		if err != nil {
			e.log.Warn().Err(err).Str("artifact_id", remote.ID).Msg("cannot unwrap artifact key, skipping")
			continue
		}

		artifact := Artifact{
			ID:            remote.ID,
			HeaderVersion: remote.HeaderVersion,
			BodyVersion:   remote.BodyVersion,
		}
		if artifact.Header, err = e.decryptField(key, remote.Header); err != nil {
			e.log.Warn().Err(err).Str("artifact_id", remote.ID).Msg("cannot decrypt artifact header, skipping")
			continue
		}
		if remote.Body != nil {
			if artifact.Body, err = e.decryptField(key, *remote.Body); err != nil {
				e.log.Warn().Err(err).Str("artifact_id", remote.ID).Msg("cannot decrypt artifact body")
			}
		}
		artifacts = append(artifacts, artifact)
	}
	e.store.ApplyArtifacts(artifacts)
	return nil
}

// refreshAccount reloads settings and profile from the account blob.
func (e *Engine) refreshAccount(ctx context.Context) error {
	account, err := e.cfg.API.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}

	if err := e.settings.applyRemote(account.Settings, account.SettingsVersion); err != nil {
		return err
	}

	_, version := e.store.GetProfile()
	if account.ProfileVersion > version {
		profile, err := e.decryptAccountField(account.Profile)
		if err != nil {
			return fmt.Errorf("decrypt profile: %w", err)
		}
		e.store.ApplyProfile(profile, account.ProfileVersion)
	}
	return nil
}

// decryptField opens one encrypted entity field. Empty fields decode to nil.
func (e *Engine) decryptField(key []byte, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	plaintext, err := crypto.DecryptWithDataKey(value, key)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(plaintext), nil
}

func (e *Engine) decryptAccountField(value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	if e.cfg.MasterKey == nil {
		return nil, fmt.Errorf("no master key")
	}
	return e.decryptField(e.cfg.MasterKey, value)
}

// SeedSessionKey registers a data key for a session this client created
// itself, so sends and pushed messages work before the next list refresh.
func (e *Engine) SeedSessionKey(sessionID string, key []byte) error {
	if len(key) != crypto.DataKeySize {
		return fmt.Errorf("invalid data key size: %d", len(key))
	}
	e.keys.put(sessionID, key)
	return nil
}

// AwaitIdle blocks until every channel has settled. Used by tests and
// one-shot CLI flows.
func (e *Engine) AwaitIdle(ctx context.Context) error {
	channels := []*VersionedChannel{e.sessionsCh, e.machinesCh, e.artifactsCh, e.accountCh, e.settingsCh}
	e.mu.Lock()
	for _, ch := range e.fetchChs {
		channels = append(channels, ch)
	}
	for _, ch := range e.sendChs {
		channels = append(channels, ch)
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		g.Go(func() error {
			return ch.AwaitQueue(gctx)
		})
	}
	return g.Wait()
}

func asVersionMismatch(err error) (*clientapi.VersionMismatchError, bool) {
	var mismatch *clientapi.VersionMismatchError
	if errors.As(err, &mismatch) {
		return mismatch, true
	}
	return nil, false
}
