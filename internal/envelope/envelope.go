// Package envelope implements the AES-256-GCM encrypted wire envelope
// shared by both channel transports, with a canonical-JSON AAD binding
// that must stay byte-identical on both peers.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const Scheme = "a256gcm:v1"

// Kind identifies an envelope-level failure. Callers switch on it to
// decide between nack (pub/sub) and request rejection (HTTP).
type Kind string

const (
	SchemeUnsupported Kind = "SchemeUnsupported"
	AuthFailed         Kind = "AuthFailed"
	KeyInvalid         Kind = "KeyInvalid"
)

// Error wraps a Kind with context, the shape every envelope failure
// surfaces as.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func newErr(k Kind, msg string) *Error { return &Error{Kind: k, Msg: msg} }

// Attrs is the routing-bound additional authenticated data. Field order
// and seq-stringification must match the AAD encoding used by the peer
// or decryption fails with AuthFailed.
type Attrs struct {
	UserID    string
	ProjectID string
	SessionID string
	Channel   string
	Type      string
	Seq       int64
}

// Envelope is the on-wire encrypted payload.
type Envelope struct {
	V   string `json:"v"`
	N   string `json:"n"`
	CT  string `json:"ct"`
	Tag string `json:"tag"`
}

// canonicalAAD renders Attrs as canonical JSON with fixed field order;
// seq is stringified. This encoding must be byte-identical on both
// peers — it is the interoperability contract of §4.A.
func canonicalAAD(a Attrs) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField(&buf, "user_id", a.UserID, true)
	writeField(&buf, "project_id", a.ProjectID, true)
	writeField(&buf, "session_id", a.SessionID, true)
	writeField(&buf, "channel", a.Channel, true)
	writeField(&buf, "type", a.Type, true)
	writeField(&buf, "seq", strconv.FormatInt(a.Seq, 10), false)
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, key, val string, comma bool) {
	b, _ := json.Marshal(key)
	buf.Write(b)
	buf.WriteByte(':')
	vb, _ := json.Marshal(val)
	buf.Write(vb)
	if comma {
		buf.WriteByte(',')
	}
}

// Encrypt marshals plaintext into Envelope using key32 (must be exactly
// 32 bytes) and the routing attrs as AAD.
func Encrypt(plaintextJSON []byte, key32 []byte, attrs Attrs) (*Envelope, error) {
	if len(key32) != 32 {
		return nil, newErr(KeyInvalid, "key must be 32 bytes")
	}
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, newErr(KeyInvalid, err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newErr(KeyInvalid, err.Error())
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	aad := canonicalAAD(attrs)
	sealed := gcm.Seal(nil, nonce, plaintextJSON, aad)
	ct := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]
	return &Envelope{
		V:   Scheme,
		N:   base64.StdEncoding.EncodeToString(nonce),
		CT:  base64.StdEncoding.EncodeToString(ct),
		Tag: base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt verifies and decrypts env using key32 and attrs. Fails with
// SchemeUnsupported, KeyInvalid, or AuthFailed as documented in §4.A.
func Decrypt(env *Envelope, key32 []byte, attrs Attrs) ([]byte, error) {
	if env.V != Scheme {
		return nil, newErr(SchemeUnsupported, env.V)
	}
	if len(key32) != 32 {
		return nil, newErr(KeyInvalid, "key must be 32 bytes")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.N)
	if err != nil {
		return nil, newErr(AuthFailed, "bad nonce encoding")
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, newErr(AuthFailed, "bad ciphertext encoding")
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, newErr(AuthFailed, "bad tag encoding")
	}
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, newErr(KeyInvalid, err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newErr(KeyInvalid, err.Error())
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, newErr(AuthFailed, "bad nonce length")
	}
	sealed := append(append([]byte{}, ct...), tag...)
	aad := canonicalAAD(attrs)
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, newErr(AuthFailed, "authentication failed")
	}
	return plaintext, nil
}

// DeriveKey derives a 32-byte session key from a master secret and a
// per-session salt via HKDF-SHA256, for deployments that supply a
// master secret instead of a pre-generated random key.
func DeriveKey(masterSecret, salt []byte, info string) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("empty master secret")
	}
	r := hkdf.New(func() hash.Hash { return sha256.New() }, masterSecret, salt, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// Fingerprint returns an 8-character fingerprint of a key, suitable for
// the supervisor's runtime info (§4.I step 2) without leaking the key.
func Fingerprint(key32 []byte) string {
	h := sha256.Sum256(key32)
	return base64.RawURLEncoding.EncodeToString(h[:6])[:8]
}
