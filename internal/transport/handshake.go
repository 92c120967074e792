package transport

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/peerlink/internal/protocol/schema"
	"github.com/danmuck/peerlink/internal/protocol/session"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "peerlink-session-v1"

var (
	ErrBadPublicKey = errors.New("transport: bad public key")
	ErrOpenSealed   = errors.New("transport: sealed message failed authentication")
)

// KeyPair is an ephemeral X25519 keypair generated per handshake.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, err
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SessionCipher derives the symmetric session cipher shared with the owner
// of peerPub. Both sides derive the same key regardless of who dialed.
func (kp KeyPair) SessionCipher(peerPub []byte) (*Cipher, error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: length %d", ErrBadPublicKey, len(peerPub))
	}
	shared, err := curve25519.X25519(kp.Private[:], peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	lo, hi := kp.Public[:], peerPub
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	salt := append(append(make([]byte, 0, 64), lo...), hi...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(sessionKeyInfo)), key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Cipher seals control messages exchanged over an established session.
type Cipher struct {
	aead cipher.AEAD
}

// Seal encrypts msg into a sealed envelope.
func (c *Cipher) Seal(msg session.Message) (session.Message, error) {
	payload, err := session.EncodePayload(msg)
	if err != nil {
		return session.Message{}, err
	}
	plain := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(plain[:4], msg.Type)
	copy(plain[4:], payload)

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return session.Message{}, err
	}
	return session.SealedMessage(session.Sealed{
		Nonce:      nonce,
		Ciphertext: c.aead.Seal(nil, nonce, plain, nil),
	}), nil
}

// Open decrypts a sealed envelope back into its control message.
func (c *Cipher) Open(msg session.Message) (session.Message, error) {
	if msg.Type != schema.MsgSealed || msg.Sealed == nil {
		return session.Message{}, fmt.Errorf("%w: message_type=%d", ErrOpenSealed, msg.Type)
	}
	if len(msg.Sealed.Nonce) != c.aead.NonceSize() {
		return session.Message{}, fmt.Errorf("%w: nonce length %d", ErrOpenSealed, len(msg.Sealed.Nonce))
	}
	plain, err := c.aead.Open(nil, msg.Sealed.Nonce, msg.Sealed.Ciphertext, nil)
	if err != nil {
		return session.Message{}, ErrOpenSealed
	}
	if len(plain) < 4 {
		return session.Message{}, fmt.Errorf("%w: short plaintext", ErrOpenSealed)
	}
	inner := binary.BigEndian.Uint32(plain[:4])
	if inner == schema.MsgSealed {
		return session.Message{}, fmt.Errorf("%w: nested envelope", ErrOpenSealed)
	}
	return session.DecodePayload(inner, plain[4:])
}
