package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	clientapi "github.com/y804508275/happy-sub000/internal/client/api"
	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/notify"
)

// maxSettingsAttempts bounds the re-base-and-retry loop for a settings
// write. Losing the optimistic concurrency race this many times in a row
// means another client is writing continuously; the pending change is
// abandoned and surfaced instead of retried forever.
const maxSettingsAttempts = 3

type settingsAPI interface {
	UpdateSettings(ctx context.Context, value string, expectedVersion int64) (int64, error)
}

// settingsSync pushes local settings changes to the server. Changes are
// tracked as a pending delta over the last server-confirmed base so that a
// concurrent remote write never silently reverts a local edit: on version
// mismatch the delta is re-applied on top of the authoritative value and
// the write retried. Local values win key-by-key.
type settingsSync struct {
	api       settingsAPI
	store     *Store
	masterKey []byte
	notifier  notify.Notifier
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[string]any
}

func newSettingsSync(api settingsAPI, store *Store, masterKey []byte, notifier notify.Notifier, log zerolog.Logger) *settingsSync {
	return &settingsSync{
		api:       api,
		store:     store,
		masterKey: masterKey,
		notifier:  notifier,
		log:       log.With().Str("component", "settings-sync").Logger(),
		pending:   make(map[string]any),
	}
}

// Update records a local settings change. The caller invalidates the
// settings channel afterwards to schedule the push.
func (s *settingsSync) Update(delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		s.pending[k] = v
	}
}

// Current returns the server-confirmed settings with the pending delta
// applied on top, which is what the UI should display.
func (s *settingsSync) Current() Settings {
	base := s.store.GetSettings()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.pending {
		base.Data[k] = v
	}
	return base
}

// applyRemote ingests a settings value pushed by the server. Stale versions
// are ignored; the pending delta stays intact and re-applies on read.
func (s *settingsSync) applyRemote(value string, version int64) error {
	if version <= s.store.GetSettings().Version {
		return nil
	}
	data, err := s.decode(value)
	if err != nil {
		return err
	}
	s.store.ApplySettings(data, version)
	return nil
}

// refresh is the settings channel's refresh function. It submits the pending
// delta merged over the current base, re-basing on version mismatch up to
// maxSettingsAttempts times. Transient errors are returned so the channel
// retries with backoff; exhausting the attempts is terminal for this delta
// and is surfaced rather than retried.
func (s *settingsSync) refresh(ctx context.Context) error {
	s.mu.Lock()
	delta := make(map[string]any, len(s.pending))
	for k, v := range s.pending {
		delta[k] = v
	}
	s.mu.Unlock()

	if len(delta) == 0 {
		return nil
	}

	base := s.store.GetSettings()
	for attempt := 1; ; attempt++ {
		merged := make(map[string]any, len(base.Data)+len(delta))
		for k, v := range base.Data {
			merged[k] = v
		}
		for k, v := range delta {
			merged[k] = v
		}

		cipher, err := s.encode(merged)
		if err != nil {
			return err
		}

		version, err := s.api.UpdateSettings(ctx, cipher, base.Version)
		if err == nil {
			s.store.ApplySettings(merged, version)
			s.clearSubmitted(delta)
			return nil
		}

		var mismatch *clientapi.VersionMismatchError
		if !errors.As(err, &mismatch) {
			return fmt.Errorf("push settings: %w", err)
		}

		authoritative, decodeErr := s.decode(mismatch.Value)
		if decodeErr != nil {
			return decodeErr
		}
		base = Settings{Data: authoritative, Version: mismatch.Version}
		s.store.ApplySettings(authoritative, mismatch.Version)

		if attempt >= maxSettingsAttempts {
			s.clearSubmitted(delta)
			s.log.Error().Int("attempts", attempt).
				Msg("settings write lost the version race repeatedly, abandoning change")
			if s.notifier != nil {
				_ = s.notifier.Notify(ctx, notify.Notification{
					Title: "Settings not saved",
					Body:  "A settings change could not be saved because another device kept changing settings.",
				})
			}
			return nil
		}
		s.log.Debug().Int("attempt", attempt).Int64("server_version", mismatch.Version).
			Msg("settings version mismatch, re-basing")
	}
}

// clearSubmitted removes the submitted delta entries, keeping any key the
// user changed again while the write was in flight.
func (s *settingsSync) clearSubmitted(delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		if cur, ok := s.pending[k]; ok && equalJSON(cur, v) {
			delete(s.pending, k)
		}
	}
}

func (s *settingsSync) decode(value string) (map[string]any, error) {
	if value == "" {
		return make(map[string]any), nil
	}
	plaintext, err := crypto.DecryptWithDataKey(value, s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt settings: %w", err)
	}
	data := make(map[string]any)
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return data, nil
}

func (s *settingsSync) encode(data map[string]any) (string, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}
	cipher, err := crypto.EncryptWithDataKey(plaintext, s.masterKey)
	if err != nil {
		return "", fmt.Errorf("encrypt settings: %w", err)
	}
	return cipher, nil
}

// equalJSON compares two values by their canonical JSON form. Settings
// values round-trip through JSON anyway, so this matches what the server
// would store.
func equalJSON(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
