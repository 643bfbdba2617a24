// Package noise implements the Noise_NX_25519_ChaChaPoly_SHA256 handshake
// and transport cipher used to secure the connection to the V2 upstream.
package noise

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	ProtocolName = "Noise_NX_25519_ChaChaPoly_SHA256"

	DHKeySize  = 32
	SymKeySize = 32
	NonceSize  = 12
	TagSize    = 16
	MaxNonce   = ^uint64(0) - 1
)

var (
	ErrInvalidKeySize   = errors.New("noise: invalid key size")
	ErrHandshakeFailed  = errors.New("noise: handshake failed")
	ErrInvalidMessage   = errors.New("noise: invalid message")
	ErrNonceOverflow    = errors.New("noise: nonce overflow, rekey required")
	ErrDecryptionFailed = errors.New("noise: decryption failed")
	ErrNotEstablished   = errors.New("noise: secure channel not established")
	ErrInvalidPublicKey = errors.New("noise: invalid public key")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	PrivateKey [DHKeySize]byte
	PublicKey  [DHKeySize]byte
}

// GenerateKeyPair generates a new, correctly clamped X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return nil, err
	}
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

// DH performs X25519 Diffie-Hellman, rejecting an all-zero result (which
// indicates a low-order / invalid remote public key).
func (kp *KeyPair) DH(theirPublic [DHKeySize]byte) ([DHKeySize]byte, error) {
	var shared [DHKeySize]byte
	curve25519.ScalarMult(&shared, &kp.PrivateKey, &theirPublic)
	allZero := true
	for _, b := range shared {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return shared, ErrInvalidPublicKey
	}
	return shared, nil
}

// CipherState is a ChaCha20-Poly1305 AEAD bound to an auto-incrementing nonce.
type CipherState struct {
	nonce uint64
	aead  cipher.AEAD
	mu    sync.Mutex
}

func NewCipherState(key [SymKeySize]byte) (*CipherState, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &CipherState{aead: aead}, nil
}

func littleEndianNonce(n uint64) []byte {
	nonce := make([]byte, NonceSize)
	for i := 0; i < 8; i++ {
		nonce[i] = byte(n >> (8 * i))
	}
	return nonce
}

func (cs *CipherState) Encrypt(plaintext, ad []byte) ([]byte, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.nonce >= MaxNonce {
		return nil, ErrNonceOverflow
	}
	nonce := littleEndianNonce(cs.nonce)
	cs.nonce++
	return cs.aead.Seal(nil, nonce, plaintext, ad), nil
}

func (cs *CipherState) Decrypt(ciphertext, ad []byte) ([]byte, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.nonce >= MaxNonce {
		return nil, ErrNonceOverflow
	}
	nonce := littleEndianNonce(cs.nonce)
	cs.nonce++
	plaintext, err := cs.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (cs *CipherState) GetNonce() uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.nonce
}

// SymmetricState tracks the running chaining key and handshake hash while a
// HandshakeState mixes in DH outputs and payloads.
type SymmetricState struct {
	chainingKey [SymKeySize]byte
	h           [32]byte
	cipher      *CipherState
}

func NewSymmetricState() *SymmetricState {
	ss := &SymmetricState{}
	name := []byte(ProtocolName)
	if len(name) <= 32 {
		copy(ss.h[:], name)
	} else {
		ss.h = sha256.Sum256(name)
	}
	ss.chainingKey = ss.h
	return ss
}

// hkdfDerive runs HKDF-SHA256 with the chaining key as salt, returning two
// 32-byte outputs (used as the new chaining key and a cipher key).
func hkdfDerive(chainingKey, inputKeyMaterial []byte) (k1, k2 [SymKeySize]byte) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, chainingKey, nil)
	io.ReadFull(reader, k1[:])
	io.ReadFull(reader, k2[:])
	return
}

func (ss *SymmetricState) MixKey(inputKeyMaterial []byte) {
	k1, k2 := hkdfDerive(ss.chainingKey[:], inputKeyMaterial)
	ss.chainingKey = k1
	ss.cipher, _ = NewCipherState(k2)
}

func (ss *SymmetricState) MixHash(data []byte) {
	combined := append(append([]byte{}, ss.h[:]...), data...)
	ss.h = sha256.Sum256(combined)
}

func (ss *SymmetricState) EncryptAndHash(plaintext []byte) ([]byte, error) {
	if ss.cipher == nil {
		ss.MixHash(plaintext)
		return plaintext, nil
	}
	ciphertext, err := ss.cipher.Encrypt(plaintext, ss.h[:])
	if err != nil {
		return nil, err
	}
	ss.MixHash(ciphertext)
	return ciphertext, nil
}

func (ss *SymmetricState) DecryptAndHash(ciphertext []byte) ([]byte, error) {
	if ss.cipher == nil {
		ss.MixHash(ciphertext)
		return ciphertext, nil
	}
	plaintext, err := ss.cipher.Decrypt(ciphertext, ss.h[:])
	if err != nil {
		return nil, err
	}
	ss.MixHash(ciphertext)
	return plaintext, nil
}

// Split derives the two transport cipher states once the handshake hash is final.
func (ss *SymmetricState) Split() (*CipherState, *CipherState, error) {
	k1, k2 := hkdfDerive(ss.chainingKey[:], nil)
	c1, err := NewCipherState(k1)
	if err != nil {
		return nil, nil, err
	}
	c2, err := NewCipherState(k2)
	if err != nil {
		return nil, nil, err
	}
	return c1, c2, nil
}

// HandshakeState drives the NX pattern: the initiator (this proxy) has no
// static key; the responder (the pool) authenticates with one.
//
//	-> e
//	<- e, ee, s, es
type HandshakeState struct {
	ss              *SymmetricState
	localStatic     *KeyPair
	localEphemeral  *KeyPair
	remoteStatic    [DHKeySize]byte
	remoteEphemeral [DHKeySize]byte
	initiator       bool
	messageIndex    int
}

// NewInitiatorHandshake creates handshake state for this proxy acting as the
// NX initiator against an upstream pool.
func NewInitiatorHandshake() (*HandshakeState, error) {
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &HandshakeState{ss: NewSymmetricState(), localEphemeral: ephemeral, initiator: true}, nil
}

// NewResponderHandshake creates handshake state for a static-keyed responder,
// used by tests that stand in for the pool side of the handshake.
func NewResponderHandshake(staticKey *KeyPair) (*HandshakeState, error) {
	if staticKey == nil {
		return nil, ErrInvalidKeySize
	}
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &HandshakeState{ss: NewSymmetricState(), localStatic: staticKey, localEphemeral: ephemeral}, nil
}

func (hs *HandshakeState) WriteMessage(payload []byte) ([]byte, error) {
	var message []byte

	if hs.initiator {
		switch hs.messageIndex {
		case 0:
			hs.ss.MixHash(hs.localEphemeral.PublicKey[:])
			message = append(message, hs.localEphemeral.PublicKey[:]...)
			enc, err := hs.ss.EncryptAndHash(payload)
			if err != nil {
				return nil, err
			}
			message = append(message, enc...)
		default:
			return nil, ErrHandshakeFailed
		}
	} else {
		switch hs.messageIndex {
		case 0:
			hs.ss.MixHash(hs.localEphemeral.PublicKey[:])
			message = append(message, hs.localEphemeral.PublicKey[:]...)

			shared, err := hs.localEphemeral.DH(hs.remoteEphemeral)
			if err != nil {
				return nil, err
			}
			hs.ss.MixKey(shared[:])

			encStatic, err := hs.ss.EncryptAndHash(hs.localStatic.PublicKey[:])
			if err != nil {
				return nil, err
			}
			message = append(message, encStatic...)

			shared, err = hs.localStatic.DH(hs.remoteEphemeral)
			if err != nil {
				return nil, err
			}
			hs.ss.MixKey(shared[:])

			encPayload, err := hs.ss.EncryptAndHash(payload)
			if err != nil {
				return nil, err
			}
			message = append(message, encPayload...)
		default:
			return nil, ErrHandshakeFailed
		}
	}

	hs.messageIndex++
	return message, nil
}

func (hs *HandshakeState) ReadMessage(message []byte) ([]byte, error) {
	if hs.initiator {
		switch hs.messageIndex {
		case 1:
			if len(message) < DHKeySize {
				return nil, ErrInvalidMessage
			}
			copy(hs.remoteEphemeral[:], message[:DHKeySize])
			hs.ss.MixHash(hs.remoteEphemeral[:])
			message = message[DHKeySize:]

			shared, err := hs.localEphemeral.DH(hs.remoteEphemeral)
			if err != nil {
				return nil, err
			}
			hs.ss.MixKey(shared[:])

			if len(message) < DHKeySize+TagSize {
				return nil, ErrInvalidMessage
			}
			decStatic, err := hs.ss.DecryptAndHash(message[:DHKeySize+TagSize])
			if err != nil {
				return nil, err
			}
			copy(hs.remoteStatic[:], decStatic)
			message = message[DHKeySize+TagSize:]

			shared, err = hs.localEphemeral.DH(hs.remoteStatic)
			if err != nil {
				return nil, err
			}
			hs.ss.MixKey(shared[:])

			payload, err := hs.ss.DecryptAndHash(message)
			if err != nil {
				return nil, err
			}
			hs.messageIndex++
			return payload, nil
		default:
			return nil, ErrHandshakeFailed
		}
	}

	switch hs.messageIndex {
	case 0:
		if len(message) < DHKeySize {
			return nil, ErrInvalidMessage
		}
		copy(hs.remoteEphemeral[:], message[:DHKeySize])
		hs.ss.MixHash(hs.remoteEphemeral[:])
		message = message[DHKeySize:]

		payload, err := hs.ss.DecryptAndHash(message)
		if err != nil {
			return nil, err
		}
		return payload, nil
	default:
		return nil, ErrHandshakeFailed
	}
}

// IsComplete reports whether both handshake messages for this role have
// been exchanged.
func (hs *HandshakeState) IsComplete() bool {
	if hs.initiator {
		return hs.messageIndex >= 2
	}
	return hs.messageIndex >= 1
}

// Split returns (sendCipher, recvCipher) from this peer's point of view.
func (hs *HandshakeState) Split() (*CipherState, *CipherState, error) {
	if !hs.IsComplete() {
		return nil, nil, ErrNotEstablished
	}
	c1, c2, err := hs.ss.Split()
	if err != nil {
		return nil, nil, err
	}
	if hs.initiator {
		return c1, c2, nil
	}
	return c2, c1, nil
}

// GetRemoteStatic returns the authenticated remote static public key once
// the handshake has progressed far enough to learn it.
func (hs *HandshakeState) GetRemoteStatic() [DHKeySize]byte {
	return hs.remoteStatic
}

// SecureChannel wraps the post-handshake send/recv ciphers for ordinary
// transport-phase encrypt/decrypt calls.
type SecureChannel struct {
	send *CipherState
	recv *CipherState
}

func NewSecureChannel(send, recv *CipherState) *SecureChannel {
	return &SecureChannel{send: send, recv: recv}
}

func (sc *SecureChannel) Encrypt(plaintext []byte) ([]byte, error) {
	return sc.send.Encrypt(plaintext, nil)
}

func (sc *SecureChannel) Decrypt(ciphertext []byte) ([]byte, error) {
	return sc.recv.Decrypt(ciphertext, nil)
}
