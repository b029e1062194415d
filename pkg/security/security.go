// Package security implements the UMICP security manager: per-peer
// asymmetric keys, session establishment, signing and symmetric
// encryption of frame payloads.
//
// Key agreement uses X25519, signatures use Ed25519 and session
// encryption uses AES-256-GCM. A keypair is derived from a single
// 32-byte seed: the seed is the X25519 scalar and the Ed25519 seed.
// The 64-byte public key is the X25519 public key followed by the
// Ed25519 public key.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/umicp/umicp-go/pkg/protocol"
)

// Key and signature sizes
const (
	PrivateKeySize = 32
	PublicKeySize  = 64
	SignatureSize  = ed25519.SignatureSize
	SessionKeySize = 32
)

const sessionInfo = "umicp-session-v1"

// Manager holds the local keypair, the peer public key and the derived
// session key for one connection. All methods are safe for concurrent
// use.
type Manager struct {
	mu sync.Mutex

	localID string

	scalar    []byte             // X25519 private scalar
	signKey   ed25519.PrivateKey // Ed25519 signing key
	publicKey []byte             // X25519 public || Ed25519 public

	peerPublicKey []byte
	sessionKey    []byte
	authenticated bool
	peerID        string
}

// NewManager creates a security manager for the given local peer id.
func NewManager(localID string) *Manager {
	return &Manager{localID: localID}
}

// LocalID returns the local peer identifier.
func (m *Manager) LocalID() string {
	return m.localID
}

// GenerateKeypair generates a fresh local keypair.
func (m *Manager) GenerateKeypair() error {
	seed := make([]byte, PrivateKeySize)
	if _, err := rand.Read(seed); err != nil {
		return protocol.WrapError(protocol.CodeAuthenticationFailed,
			"keypair generation failed", err)
	}
	return m.LoadPrivateKey(seed)
}

// LoadPrivateKey derives the local keypair from a 32-byte seed.
func (m *Manager) LoadPrivateKey(key []byte) error {
	if len(key) != PrivateKeySize {
		return protocol.Errorf(protocol.CodeInvalidArgument,
			"private key must be %d bytes, got %d", PrivateKeySize, len(key))
	}

	scalar := make([]byte, PrivateKeySize)
	copy(scalar, key)

	xpub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return protocol.WrapError(protocol.CodeInvalidArgument,
			"invalid X25519 scalar", err)
	}

	signKey := ed25519.NewKeyFromSeed(scalar)

	public := make([]byte, 0, PublicKeySize)
	public = append(public, xpub...)
	public = append(public, signKey.Public().(ed25519.PublicKey)...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalar = scalar
	m.signKey = signKey
	m.publicKey = public
	return nil
}

// PublicKey returns the 64-byte local public key, or nil before keys
// are loaded.
func (m *Manager) PublicKey() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publicKey == nil {
		return nil
	}
	pub := make([]byte, PublicKeySize)
	copy(pub, m.publicKey)
	return pub
}

// SetPeerPublicKey stores the remote peer's 64-byte public key.
func (m *Manager) SetPeerPublicKey(public []byte) error {
	if len(public) != PublicKeySize {
		return protocol.Errorf(protocol.CodeInvalidArgument,
			"public key must be %d bytes, got %d", PublicKeySize, len(public))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerPublicKey = make([]byte, PublicKeySize)
	copy(m.peerPublicKey, public)
	return nil
}

// SignData signs data with the local Ed25519 key.
func (m *Manager) SignData(data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.signKey == nil {
		return nil, protocol.NewError(protocol.CodeAuthenticationFailed,
			"no local keys loaded")
	}
	if len(data) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidArgument,
			"cannot sign empty data")
	}

	return ed25519.Sign(m.signKey, data), nil
}

// VerifySignature verifies an Ed25519 signature against the peer
// public key.
func (m *Manager) VerifySignature(data, signature []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peerPublicKey == nil {
		return false, protocol.NewError(protocol.CodeAuthenticationFailed,
			"no peer public key set")
	}
	if len(signature) != SignatureSize {
		return false, protocol.Errorf(protocol.CodeInvalidArgument,
			"signature must be %d bytes, got %d", SignatureSize, len(signature))
	}

	peerSignPub := ed25519.PublicKey(m.peerPublicKey[32:PublicKeySize])
	return ed25519.Verify(peerSignPub, data, signature), nil
}

// EstablishSession derives the symmetric session key from the X25519
// shared secret. Both local keys and the peer public key must already
// be present.
func (m *Manager) EstablishSession(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scalar == nil || m.peerPublicKey == nil {
		return protocol.NewError(protocol.CodeAuthenticationFailed,
			"keys not properly set up")
	}

	shared, err := curve25519.X25519(m.scalar, m.peerPublicKey[:32])
	if err != nil {
		return protocol.WrapError(protocol.CodeAuthenticationFailed,
			"key agreement failed", err)
	}

	// Order the ids so both sides derive the same key.
	info := sessionInfo + "|" + m.localID + "|" + peerID
	if peerID < m.localID {
		info = sessionInfo + "|" + peerID + "|" + m.localID
	}

	sessionKey := make([]byte, SessionKeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(info))
	if _, err := kdf.Read(sessionKey); err != nil {
		return protocol.WrapError(protocol.CodeAuthenticationFailed,
			"session key derivation failed", err)
	}

	m.sessionKey = sessionKey
	m.authenticated = true
	m.peerID = peerID
	return nil
}

// EncryptData encrypts plaintext with the session key using
// AES-256-GCM. The random nonce is prepended to the ciphertext.
func (m *Manager) EncryptData(plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	key := m.sessionKey
	m.mu.Unlock()

	if key == nil {
		return nil, protocol.NewError(protocol.CodeAuthenticationFailed,
			"no session established")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, protocol.WrapError(protocol.CodeAuthenticationFailed,
			"nonce generation failed", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptData decrypts ciphertext produced by EncryptData.
func (m *Manager) DecryptData(ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	key := m.sessionKey
	m.mu.Unlock()

	if key == nil {
		return nil, protocol.NewError(protocol.CodeAuthenticationFailed,
			"no session established")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, protocol.NewError(protocol.CodeDecryptionFailed,
			"ciphertext too short")
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeDecryptionFailed,
			"decryption failed", err)
	}
	return plaintext, nil
}

// CloseSession clears the session key and drops authentication.
func (m *Manager) CloseSession() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.sessionKey {
		m.sessionKey[i] = 0
	}
	m.sessionKey = nil
	m.authenticated = false
	m.peerID = ""
}

// HasSession reports whether an authenticated session with a live key
// exists.
func (m *Manager) HasSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated && len(m.sessionKey) > 0
}

// IsAuthenticated reports whether the session is authenticated.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// PeerID returns the negotiated peer id, empty when no session exists.
func (m *Manager) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeAuthenticationFailed,
			"cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeAuthenticationFailed,
			"GCM init failed", err)
	}
	return gcm, nil
}
