package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	clientapi "github.com/y804508275/happy-sub000/internal/client/api"
	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/notify"
)

type settingsCall struct {
	value           string
	expectedVersion int64
}

type fakeSettingsAPI struct {
	mu      sync.Mutex
	calls   []settingsCall
	respond func(call settingsCall) (int64, error)
}

func (f *fakeSettingsAPI) UpdateSettings(_ context.Context, value string, expectedVersion int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := settingsCall{value: value, expectedVersion: expectedVersion}
	f.calls = append(f.calls, call)
	return f.respond(call)
}

func (f *fakeSettingsAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) Notify(context.Context, notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return nil
}

func (n *countingNotifier) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

func encryptSettings(t *testing.T, key []byte, data map[string]any) string {
	t.Helper()
	plaintext, err := json.Marshal(data)
	require.NoError(t, err)
	cipher, err := crypto.EncryptWithDataKey(plaintext, key)
	require.NoError(t, err)
	return cipher
}

func decryptSettings(t *testing.T, key []byte, value string) map[string]any {
	t.Helper()
	plaintext, err := crypto.DecryptWithDataKey(value, key)
	require.NoError(t, err)
	data := make(map[string]any)
	require.NoError(t, json.Unmarshal(plaintext, &data))
	return data
}

func TestSettingsRefreshRebasesOnVersionConflict(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	// Another client moved the server to {"b":2}@5 while we hold base @3.
	serverValue := encryptSettings(t, key, map[string]any{"b": float64(2)})
	api := &fakeSettingsAPI{}
	api.respond = func(call settingsCall) (int64, error) {
		if call.expectedVersion != 5 {
			return 0, &clientapi.VersionMismatchError{Value: serverValue, Version: 5}
		}
		return 6, nil
	}

	store := NewStore(time.Minute)
	store.ApplySettings(map[string]any{}, 3)
	s := newSettingsSync(api, store, key, &countingNotifier{}, zerolog.Nop())

	s.Update(map[string]any{"a": float64(1)})
	require.NoError(t, s.refresh(context.Background()))

	require.Equal(t, 2, api.callCount())
	// The accepted write carries the local delta merged onto the
	// authoritative base, local values winning.
	accepted := decryptSettings(t, key, api.calls[1].value)
	require.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, accepted)

	settings := store.GetSettings()
	require.EqualValues(t, 6, settings.Version)
	require.Equal(t, float64(2), settings.Data["b"])

	// The delta was consumed: another refresh is a no-op.
	require.NoError(t, s.refresh(context.Background()))
	require.Equal(t, 2, api.callCount())
}

func TestSettingsRefreshGivesUpAfterBoundedRetries(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	version := int64(10)
	api := &fakeSettingsAPI{}
	api.respond = func(settingsCall) (int64, error) {
		version++
		return 0, &clientapi.VersionMismatchError{
			Value:   encryptSettings(t, key, map[string]any{"remote": version}),
			Version: version,
		}
	}

	notifier := &countingNotifier{}
	store := NewStore(time.Minute)
	s := newSettingsSync(api, store, key, notifier, zerolog.Nop())

	s.Update(map[string]any{"a": float64(1)})
	// Exhausting the retry budget is terminal for this delta, not a
	// transient failure: no error is surfaced to the channel.
	require.NoError(t, s.refresh(context.Background()))

	require.Equal(t, maxSettingsAttempts, api.callCount())
	require.Equal(t, 1, notifier.total())

	// The abandoned delta is gone; nothing is retried.
	require.NoError(t, s.refresh(context.Background()))
	require.Equal(t, maxSettingsAttempts, api.callCount())
}

func TestSettingsTransientErrorBubblesToChannel(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	api := &fakeSettingsAPI{}
	api.respond = func(settingsCall) (int64, error) {
		return 0, context.DeadlineExceeded
	}

	store := NewStore(time.Minute)
	s := newSettingsSync(api, store, key, &countingNotifier{}, zerolog.Nop())
	s.Update(map[string]any{"a": float64(1)})

	require.Error(t, s.refresh(context.Background()))
	// The delta survives for the channel's retry.
	require.Equal(t, float64(1), s.Current().Data["a"])
}

func TestSettingsApplyRemoteIgnoresStaleVersions(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	store := NewStore(time.Minute)
	store.ApplySettings(map[string]any{"a": float64(1)}, 5)
	s := newSettingsSync(&fakeSettingsAPI{}, store, key, &countingNotifier{}, zerolog.Nop())

	require.NoError(t, s.applyRemote(encryptSettings(t, key, map[string]any{"a": float64(0)}), 4))
	require.Equal(t, float64(1), store.GetSettings().Data["a"])

	require.NoError(t, s.applyRemote(encryptSettings(t, key, map[string]any{"a": float64(9)}), 6))
	require.Equal(t, float64(9), store.GetSettings().Data["a"])
}

func TestSettingsCurrentOverlaysPendingDelta(t *testing.T) {
	key, err := crypto.NewDataKey()
	require.NoError(t, err)

	store := NewStore(time.Minute)
	store.ApplySettings(map[string]any{"a": float64(1), "b": float64(2)}, 3)
	s := newSettingsSync(&fakeSettingsAPI{}, store, key, &countingNotifier{}, zerolog.Nop())

	s.Update(map[string]any{"a": float64(7)})

	current := s.Current()
	require.Equal(t, float64(7), current.Data["a"])
	require.Equal(t, float64(2), current.Data["b"])
}
