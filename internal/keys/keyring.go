package keys

import (
	"crypto"
	"fmt"
	"sync"
	"time"
)

// KeyState is the lifecycle state of an issued key.
type KeyState string

const (
	KeyStateIssued     KeyState = "issued"     // Waiting for a proxy chain
	KeyStateSuperseded KeyState = "superseded" // A newer key was issued for the endpoint
	KeyStateConsumed   KeyState = "consumed"   // A matching proxy chain was accepted
	KeyStateRevoked    KeyState = "revoked"    // No longer valid
)

// IssuedKey is a key pair handed out for one delegate_proxy activation.
type IssuedKey struct {
	Kid          string // SHA-256 JWK thumbprint
	Endpoint     string
	State        KeyState
	CreatedAt    time.Time
	ConsumedAt   time.Time
	RevokedAt    time.Time
	PublicKey    crypto.PublicKey
	PublicKeyPEM string
	PrivateKey   crypto.Signer // cleared once consumed or revoked
}

// Keyring issues a fresh key per endpoint and request, and accepts a proxy
// chain only for the endpoint's most recent key.
type Keyring struct {
	mu      sync.RWMutex
	bits    int
	keys    map[string]*IssuedKey
	current map[string]string // endpoint -> kid
	now     func() time.Time
}

// NewKeyring creates a keyring issuing RSA keys of the given size.
func NewKeyring(bits int) *Keyring {
	if bits == 0 {
		bits = 2048
	}
	return &Keyring{
		bits:    bits,
		keys:    make(map[string]*IssuedKey),
		current: make(map[string]string),
		now:     time.Now,
	}
}

// Issue generates a key for endpoint. The endpoint's previous key, if still
// waiting, is superseded.
func (k *Keyring) Issue(endpoint string) (*IssuedKey, error) {
	private, err := GenerateRSAKey(k.bits)
	if err != nil {
		return nil, err
	}
	pubPEM, err := EncodePublicKeyPEM(&private.PublicKey)
	if err != nil {
		return nil, err
	}
	kid, err := Thumbprint(&private.PublicKey)
	if err != nil {
		return nil, err
	}

	key := &IssuedKey{
		Kid:          kid,
		Endpoint:     endpoint,
		State:        KeyStateIssued,
		CreatedAt:    k.now(),
		PublicKey:    &private.PublicKey,
		PublicKeyPEM: string(pubPEM),
		PrivateKey:   private,
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if prev, ok := k.keys[k.current[endpoint]]; ok && prev.State == KeyStateIssued {
		prev.State = KeyStateSuperseded
		prev.PrivateKey = nil
	}
	k.keys[kid] = key
	k.current[endpoint] = kid
	return key, nil
}

// Current returns the endpoint's most recently issued key.
func (k *Keyring) Current(endpoint string) (*IssuedKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	kid, ok := k.current[endpoint]
	if !ok {
		return nil, fmt.Errorf("no key issued for endpoint %s", endpoint)
	}
	return k.keys[kid], nil
}

// Consume accepts pub as the subject key of a delegated proxy for endpoint.
// It must be the endpoint's current key and still waiting.
func (k *Keyring) Consume(endpoint string, pub crypto.PublicKey) (*IssuedKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, ok := k.keys[k.current[endpoint]]
	if !ok {
		return nil, fmt.Errorf("no key issued for endpoint %s", endpoint)
	}
	if !SamePublicKey(key.PublicKey, pub) {
		return nil, fmt.Errorf("proxy certifies a key that was not issued for endpoint %s", endpoint)
	}
	if key.State != KeyStateIssued {
		return nil, fmt.Errorf("key %s is %s", key.Kid, key.State)
	}

	key.State = KeyStateConsumed
	key.ConsumedAt = k.now()
	key.PrivateKey = nil
	return key, nil
}

// Revoke marks a key as revoked.
func (k *Keyring) Revoke(kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, exists := k.keys[kid]
	if !exists {
		return fmt.Errorf("key %s not found", kid)
	}

	key.State = KeyStateRevoked
	key.RevokedAt = k.now()
	key.PrivateKey = nil
	return nil
}

// Get returns a key by kid.
func (k *Keyring) Get(kid string) (*IssuedKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	key, exists := k.keys[kid]
	if !exists {
		return nil, fmt.Errorf("key %s not found", kid)
	}
	return key, nil
}

// List returns all keys issued for endpoint.
func (k *Keyring) List(endpoint string) []*IssuedKey {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := make([]*IssuedKey, 0)
	for _, key := range k.keys {
		if key.Endpoint == endpoint {
			keys = append(keys, key)
		}
	}
	return keys
}
