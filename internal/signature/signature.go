// Package signature verifies and produces webhook signatures in the
// provider's scheme: HMAC-SHA256 over "id.timestamp.body", base64 encoded,
// carried as space separated "v1,<sig>" entries and bound to a timestamp
// tolerance window.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderID        = "svix-id"
	HeaderTimestamp = "svix-timestamp"
	HeaderSignature = "svix-signature"

	secretPrefix     = "whsec_"
	versionV1        = "v1"
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingSecret       = errors.New("signature: webhook secret is not configured")
	ErrInvalidSecret       = errors.New("signature: webhook secret is not valid base64")
	ErrMissingHeaders      = errors.New("signature: missing required verification headers")
	ErrInvalidTimestamp    = errors.New("signature: invalid timestamp header")
	ErrTimestampTooOld     = errors.New("signature: message timestamp too old")
	ErrTimestampTooNew     = errors.New("signature: message timestamp too new")
	ErrNoMatchingSignature = errors.New("signature: no matching signature found")
)

// Headers is the verification header triple.
type Headers struct {
	ID        string
	Timestamp string
	Signature string
}

// Verifier checks inbound deliveries against a pre-shared secret.
type Verifier struct {
	key       []byte
	tolerance time.Duration
}

// NewVerifier decodes the secret. An empty secret is a configuration error.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return nil, err
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{key: key, tolerance: tolerance}, nil
}

// Tolerance is the accepted clock skew in either direction.
func (v *Verifier) Tolerance() time.Duration {
	return v.tolerance
}

// Verify returns nil only if payload and headers were signed with the
// configured secret and the timestamp falls inside the tolerance window
// around now.
func (v *Verifier) Verify(payload []byte, h Headers, now time.Time) error {
	id := strings.TrimSpace(h.ID)
	ts := strings.TrimSpace(h.Timestamp)
	sigs := strings.TrimSpace(h.Signature)
	if id == "" || ts == "" || sigs == "" {
		return ErrMissingHeaders
	}

	sent, err := parseTimestamp(ts)
	if err != nil {
		return err
	}
	if now.Sub(sent) > v.tolerance {
		return ErrTimestampTooOld
	}
	if sent.Sub(now) > v.tolerance {
		return ErrTimestampTooNew
	}

	expected := v.sign(id, ts, payload)
	for _, entry := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != versionV1 {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrNoMatchingSignature
}

// Signer produces signatures for outgoing or test deliveries.
type Signer struct {
	key []byte
}

func NewSigner(secret string) (*Signer, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// Sign returns a complete signature header value ("v1,<b64>") for the delivery.
func (s *Signer) Sign(id string, ts time.Time, payload []byte) string {
	return versionV1 + "," + sign(s.key, id, strconv.FormatInt(ts.Unix(), 10), payload)
}

// Headers builds the full verification header triple for a delivery.
func (s *Signer) Headers(id string, ts time.Time, payload []byte) Headers {
	return Headers{
		ID:        id,
		Timestamp: strconv.FormatInt(ts.Unix(), 10),
		Signature: s.Sign(id, ts, payload),
	}
}

func (v *Verifier) sign(id, ts string, payload []byte) string {
	return sign(v.key, id, ts, payload)
}

func sign(key []byte, id, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	secret = strings.TrimPrefix(secret, secretPrefix)
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if len(key) == 0 {
		return nil, ErrMissingSecret
	}
	return key, nil
}

func parseTimestamp(ts string) (time.Time, error) {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, ts)
	}
	return time.Unix(secs, 0), nil
}
