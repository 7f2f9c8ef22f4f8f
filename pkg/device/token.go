package device

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

func encodeCrop(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// TokenVerifier checks X-Device-ID attestation tokens (HS256, "device"
// claim) and issues them for provisioning.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier requires a non-empty shared secret.
func NewTokenVerifier(secret string) (*TokenVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("device token secret is required")
	}
	return &TokenVerifier{secret: []byte(secret)}, nil
}

// Issue mints a token for the device.
func (v *TokenVerifier) Issue(deviceID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"device": deviceID})
	return token.SignedString(v.secret)
}

// Verify resolves a token to its device id.
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", apperrors.NewAuthError("invalid device token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperrors.NewAuthError("invalid device token")
	}
	deviceID, _ := claims["device"].(string)
	if deviceID == "" {
		return "", apperrors.NewAuthError("invalid device token")
	}
	return deviceID, nil
}

// Envelope is the sealed upload wrapper: an anonymous NaCl box addressed to
// the server's public key.
type Envelope struct {
	Sealed []byte `json:"sealed"`
}

// Unsealer opens device envelopes with the server key pair.
type Unsealer struct {
	publicKey  *[32]byte
	privateKey *[32]byte
}

// NewUnsealer decodes the server's hex-free base64 private key and derives
// the public half.
func NewUnsealer(privateKeyB64 string) (*Unsealer, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("server private key must be 32 base64 bytes")
	}
	var priv [32]byte
	copy(priv[:], raw)
	pub := derivePublicKey(&priv)
	return &Unsealer{publicKey: pub, privateKey: &priv}, nil
}

// TryOpen attempts to interpret data as a JSON envelope and open it. When
// data is not an envelope, it is returned as-is with sealed=false so the
// caller falls back to the direct decode-as-image path.
func (u *Unsealer) TryOpen(data []byte) (payload []byte, sealed bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || len(env.Sealed) == 0 {
		return data, false
	}
	opened, ok := box.OpenAnonymous(nil, env.Sealed, u.publicKey, u.privateKey)
	if !ok {
		return data, false
	}
	return opened, true
}

func derivePublicKey(priv *[32]byte) *[32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, priv)
	return &pub
}

// Seal wraps payload for the server. Used by provisioning tools and tests.
func (u *Unsealer) Seal(payload []byte) ([]byte, error) {
	sealed, err := box.SealAnonymous(nil, payload, u.publicKey, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Sealed: sealed})
}
