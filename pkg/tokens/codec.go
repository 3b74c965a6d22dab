// Package tokens mints and verifies offline activation tokens. A token is
// a JSON payload encrypted with AES-256-GCM and carried on the wire as
// hex(nonce) || hex(tag) || hex(ciphertext). The payload embeds an
// HMAC-SHA256 signature binding the license key, machine ID and expiry so
// a decrypted payload cannot be replayed for a different machine.
package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/ratolabs/rato-license-server/pkg/enums"
	"github.com/ratolabs/rato-license-server/pkg/errors"
)

const (
	nonceSize = 16
	tagSize   = 16

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// Distinct salts keep the cipher key and signing key independent even
// though both derive from the same configured secret.
var (
	cipherSalt  = []byte("rato-license-cipher-v1")
	signingSalt = []byte("rato-license-signing-v1")
)

// Payload is the plaintext carried inside an offline token.
type Payload struct {
	Key       string     `json:"key"`
	MachineID string     `json:"machine_id"`
	Plan      enums.Plan `json:"plan"`
	ExpiresAt int64      `json:"expires_at"`
	IssuedAt  int64      `json:"issued_at"`
	Signature string     `json:"signature"`
}

// VerifyOutcome is the result of verifying an offline token. Verification
// never returns business rejections as errors; Valid plus Reason carry
// the outcome and errors are reserved for infrastructure failures.
type VerifyOutcome struct {
	Valid   bool
	Reason  string
	Payload *Payload
}

const (
	ReasonInvalidToken     = "invalid token"
	ReasonExpired          = "license expired"
	ReasonInvalidSignature = "invalid signature"
)

// Codec derives its keys once at construction so minting and verifying
// stay cheap on the hot path.
type Codec struct {
	aead       cipher.AEAD
	signingKey []byte
}

func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New(errors.CodeValidation, "token secret must not be empty")
	}

	cipherKey, err := scrypt.Key([]byte(secret), cipherSalt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "derive cipher key")
	}
	signingKey, err := scrypt.Key([]byte(secret), signingSalt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "derive signing key")
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "init cipher")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "init aead")
	}

	return &Codec{aead: aead, signingKey: signingKey}, nil
}

// Sign computes the detached HMAC binding a license key, machine ID and
// expiry instant.
func (c *Codec) Sign(key, machineID string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, c.signingKey)
	fmt.Fprintf(mac, "%s|%s|%s", key, machineID, strconv.FormatInt(expiresAt.Unix(), 10))
	return hex.EncodeToString(mac.Sum(nil))
}

// Mint encrypts a signed payload for the given license key and machine
// binding. The returned string is safe to hand to clients for offline
// storage.
func (c *Codec) Mint(key, machineID string, plan enums.Plan, expiresAt, now time.Time) (string, error) {
	payload := Payload{
		Key:       key,
		MachineID: machineID,
		Plan:      plan,
		ExpiresAt: expiresAt.Unix(),
		IssuedAt:  now.Unix(),
		Signature: c.Sign(key, machineID, expiresAt),
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(errors.CodeInternal, err, "marshal token payload")
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(errors.CodeInternal, err, "generate token nonce")
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(nonce) + hex.EncodeToString(tag) + hex.EncodeToString(ciphertext), nil
}

// Verify decodes, decrypts and authenticates an offline token. Every
// failure mode collapses to an invalid outcome; malformed input never
// reveals which stage rejected it beyond the three public reasons.
func (c *Codec) Verify(token string, now time.Time) VerifyOutcome {
	payload, ok := c.open(token)
	if !ok {
		return VerifyOutcome{Reason: ReasonInvalidToken}
	}

	if now.Unix() > payload.ExpiresAt {
		return VerifyOutcome{Reason: ReasonExpired}
	}

	expected := c.Sign(payload.Key, payload.MachineID, time.Unix(payload.ExpiresAt, 0))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(payload.Signature)) != 1 {
		return VerifyOutcome{Reason: ReasonInvalidSignature}
	}

	return VerifyOutcome{Valid: true, Payload: payload}
}

func (c *Codec) open(token string) (*Payload, bool) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return nil, false
	}
	if len(raw) < nonceSize+tagSize {
		return nil, false
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ciphertext := raw[nonceSize+tagSize:]

	// GCM expects the tag appended to the ciphertext; the wire format
	// carries it up front.
	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, false
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, false
	}
	if payload.Key == "" || payload.MachineID == "" || payload.Plan == "" || payload.ExpiresAt == 0 || payload.Signature == "" {
		return nil, false
	}
	return &payload, true
}
