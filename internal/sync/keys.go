package sync

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/crypto"
)

// keyCache holds per-entity symmetric data keys. Keys arrive encrypted to
// the account box key, are decrypted once and cached for the process
// lifetime, and are never persisted in clear.
type keyCache struct {
	secretKey *[32]byte
	log       zerolog.Logger

	mu   sync.Mutex
	keys map[string][]byte
}

func newKeyCache(secretKey *[32]byte, log zerolog.Logger) *keyCache {
	return &keyCache{
		secretKey: secretKey,
		log:       log.With().Str("component", "key-cache").Logger(),
		keys:      make(map[string][]byte),
	}
}

// keyFor returns the data key for an entity, decrypting and caching it on
// first use. The encrypted form is base64; a blob that decodes directly to a
// raw 32-byte key is accepted as-is for locally created entities.
func (c *keyCache) keyFor(entityID, encryptedB64 string) ([]byte, error) {
	c.mu.Lock()
	if key, ok := c.keys[entityID]; ok {
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	raw, err := base64.StdEncoding.DecodeString(encryptedB64)
	if err != nil {
		return nil, fmt.Errorf("decode data key for %s: %w", entityID, err)
	}

	var key []byte
	if len(raw) == crypto.DataKeySize {
		key = raw
	} else {
		if c.secretKey == nil {
			return nil, fmt.Errorf("no account key to decrypt data key for %s", entityID)
		}
		key, err = crypto.DecryptBox(raw, c.secretKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt data key for %s: %w", entityID, err)
		}
		if len(key) != crypto.DataKeySize {
			return nil, fmt.Errorf("bad data key size for %s: %d", entityID, len(key))
		}
	}

	c.mu.Lock()
	c.keys[entityID] = key
	c.mu.Unlock()
	return key, nil
}

// cached returns a key only if it was already decrypted.
func (c *keyCache) cached(entityID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keys[entityID]
	return key, ok
}

// put seeds a key directly, used when the client created the entity and
// already holds the key.
func (c *keyCache) put(entityID string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[entityID] = key
}

// evict drops a cached key, used when a session is deleted.
func (c *keyCache) evict(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, entityID)
}
