package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrLinkExpired   = errors.New("content link expired")
	ErrLinkForged    = errors.New("content link signature invalid")
	ErrLinkMalformed = errors.New("content link malformed")
)

const linkKeyContext = "clipsync/content-link/v1"

// LinkSigner seals {expiry, owner, item} into an opaque token so content can
// be fetched by URL (for example an <img src>) without a bearer header.
type LinkSigner struct {
	key []byte
	now func() time.Time
}

func NewLinkSigner(key []byte) (*LinkSigner, error) {
	if len(key) < 32 {
		return nil, errors.New("link signing key must be at least 32 bytes")
	}
	k := make([]byte, chacha20poly1305.KeySize)
	copy(k, key)
	if len(key) != chacha20poly1305.KeySize {
		sum := sha256.Sum256(key)
		copy(k, sum[:])
	}
	return &LinkSigner{key: k, now: time.Now}, nil
}

// DeriveLinkKey derives a link key from another secret, domain-separated so
// the same bytes are never used both as a JWT HMAC key and a link AEAD key.
func DeriveLinkKey(secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(linkKeyContext))
	return mac.Sum(nil)
}

func (s *LinkSigner) Sign(ownerID, itemID string, validFor time.Duration) (string, error) {
	if ownerID == "" || itemID == "" {
		return "", errors.New("owner and item are required")
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	expiry := s.now().Add(validFor).Unix()
	payload := make([]byte, 8, 8+len(itemID)+1+len(ownerID))
	binary.BigEndian.PutUint64(payload, uint64(expiry))
	payload = append(payload, itemID...)
	payload = append(payload, 0)
	payload = append(payload, ownerID...)
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(payload)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, payload, []byte(linkKeyContext))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Verify opens token and returns the owner it was issued for, provided it
// names itemID and has not expired.
func (s *LinkSigner) Verify(token, itemID string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrLinkMalformed
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead()+8 {
		return "", ErrLinkMalformed
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(linkKeyContext))
	if err != nil {
		return "", ErrLinkForged
	}
	expiry := int64(binary.BigEndian.Uint64(plain[:8]))
	rest := string(plain[8:])
	sep := strings.IndexByte(rest, 0)
	if sep <= 0 || sep == len(rest)-1 {
		return "", ErrLinkMalformed
	}
	gotItem, owner := rest[:sep], rest[sep+1:]
	if subtle.ConstantTimeCompare([]byte(gotItem), []byte(itemID)) != 1 {
		return "", ErrLinkForged
	}
	if s.now().Unix() > expiry {
		return "", ErrLinkExpired
	}
	return owner, nil
}
