package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/techagentng/realtyx/db"
	"github.com/techagentng/realtyx/logger"
	"github.com/techagentng/realtyx/models"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

var encryptionLog = logger.For("encryption")

// EncryptionGate optionally encrypts message content at rest. Nothing in the
// messaging core may fail because the gate is missing or broken.
type EncryptionGate interface {
	IsReady() bool
	EncryptMessage(ctx context.Context, plaintext, recipientID string) (string, error)
	// DecryptMessages returns the batch with every message it could open
	// replaced by its plaintext. It never fails.
	DecryptMessages(ctx context.Context, messages []models.Message) []models.Message
}

// NoopGate is never ready.
type NoopGate struct{}

func (NoopGate) IsReady() bool { return false }

func (NoopGate) EncryptMessage(context.Context, string, string) (string, error) {
	return "", errors.New("encryption is not available")
}

func (NoopGate) DecryptMessages(_ context.Context, messages []models.Message) []models.Message {
	return messages
}

const envelopeVersion = 1

type envelope struct {
	V           int    `json:"v"`
	Nonce       string `json:"nonce"`
	Box         string `json:"box"`
	SenderPK    string `json:"sender_pk"`
	RecipientPK string `json:"recipient_pk"`
}

var ErrNoRecipientKey = errors.New("recipient has not published an encryption key")

// BoxGate encrypts with NaCl box between the sender's key pair and the
// recipient's published public key.
type BoxGate struct {
	userID     string
	keys       db.EncryptionKeyRepository
	publicKey  *[32]byte
	privateKey *[32]byte

	mu    sync.RWMutex
	peers map[string]*[32]byte
}

func NewBoxGate(userID string, keys db.EncryptionKeyRepository, publicKey, privateKey *[32]byte) *BoxGate {
	return &BoxGate{
		userID:     userID,
		keys:       keys,
		publicKey:  publicKey,
		privateKey: privateKey,
		peers:      map[string]*[32]byte{},
	}
}

// DeriveBoxGate builds the gate from a key pair derived from a server secret,
// so every instance holds the same keys for a user.
func DeriveBoxGate(secret, userID string, keys db.EncryptionKeyRepository) (*BoxGate, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is empty")
	}
	pub, priv, err := DeriveKeyPair([]byte(secret), userID)
	if err != nil {
		return nil, err
	}
	return NewBoxGate(userID, keys, pub, priv), nil
}

func DeriveKeyPair(secret []byte, userID string) (*[32]byte, *[32]byte, error) {
	priv := new([32]byte)
	r := hkdf.New(sha256.New, secret, []byte(userID), []byte("realtyx message box"))
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return nil, nil, errors.Wrap(err, "deriving private key")
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, errors.Wrap(err, "deriving public key")
	}
	pub := new([32]byte)
	copy(pub[:], pubBytes)
	return pub, priv, nil
}

func (g *BoxGate) IsReady() bool {
	return g != nil && g.keys != nil && g.privateKey != nil && g.publicKey != nil
}

func (g *BoxGate) PublicKey() string {
	return base64.StdEncoding.EncodeToString(g.publicKey[:])
}

// Publish stores the gate's public key so others can encrypt for its user.
func (g *BoxGate) Publish(ctx context.Context) error {
	return g.keys.Upsert(ctx, &models.EncryptionKey{
		UserID:    g.userID,
		PublicKey: g.PublicKey(),
	})
}

func (g *BoxGate) EncryptMessage(ctx context.Context, plaintext, recipientID string) (string, error) {
	if !g.IsReady() {
		return "", errors.New("encryption is not available")
	}
	peer, err := g.peerKey(ctx, recipientID)
	if err != nil {
		return "", err
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", errors.Wrap(err, "generating nonce")
	}
	sealed := box.Seal(nil, []byte(plaintext), &nonce, peer, g.privateKey)

	b, err := json.Marshal(envelope{
		V:           envelopeVersion,
		Nonce:       base64.StdEncoding.EncodeToString(nonce[:]),
		Box:         base64.StdEncoding.EncodeToString(sealed),
		SenderPK:    g.PublicKey(),
		RecipientPK: base64.StdEncoding.EncodeToString(peer[:]),
	})
	if err != nil {
		return "", errors.Wrap(err, "encoding envelope")
	}
	return string(b), nil
}

func (g *BoxGate) DecryptMessages(_ context.Context, messages []models.Message) []models.Message {
	if !g.IsReady() {
		return messages
	}
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if !m.IsEncrypted() {
			continue
		}
		plaintext, err := g.open(*m.EncryptedContent)
		if err != nil {
			encryptionLog.WithError(err).WithField("message_id", m.ID).Debug("leaving message encrypted")
			continue
		}
		out[i].Content = plaintext
	}
	return out
}

func (g *BoxGate) open(payload string) (string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", errors.Wrap(err, "decoding envelope")
	}
	if env.V != envelopeVersion {
		return "", errors.Errorf("unsupported envelope version %d", env.V)
	}

	own := g.PublicKey()
	var peerEncoded string
	switch own {
	case env.SenderPK:
		peerEncoded = env.RecipientPK
	case env.RecipientPK:
		peerEncoded = env.SenderPK
	default:
		return "", errors.New("message was not encrypted for this key")
	}

	peer, err := decodeKey(peerEncoded)
	if err != nil {
		return "", err
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonceBytes) != 24 {
		return "", errors.New("invalid nonce")
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)
	sealed, err := base64.StdEncoding.DecodeString(env.Box)
	if err != nil {
		return "", errors.Wrap(err, "decoding box")
	}

	plaintext, ok := box.Open(nil, sealed, &nonce, peer, g.privateKey)
	if !ok {
		return "", errors.New("box could not be opened")
	}
	return string(plaintext), nil
}

func (g *BoxGate) peerKey(ctx context.Context, userID string) (*[32]byte, error) {
	g.mu.RLock()
	k, ok := g.peers[userID]
	g.mu.RUnlock()
	if ok {
		return k, nil
	}

	stored, err := g.keys.Get(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(ErrNoRecipientKey, err.Error())
	}
	k, err = decodeKey(stored.PublicKey)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.peers[userID] = k
	g.mu.Unlock()
	return k, nil
}

func decodeKey(encoded string) (*[32]byte, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decoding public key")
	}
	if len(b) != 32 {
		return nil, errors.Errorf("public key has %d bytes, want 32", len(b))
	}
	k := new([32]byte)
	copy(k[:], b)
	return k, nil
}
