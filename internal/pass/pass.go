package pass

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"ms-registration/internal/models"

	"github.com/skip2/go-qrcode"
)

// ErrInvalidPass is returned for tokens that were not sealed by this issuer
// or were tampered with.
var ErrInvalidPass = errors.New("invalid attendance pass")

const DefaultSize = 256

type Issuer struct {
	aead cipher.AEAD
	size int
}

func NewIssuer(secret string, size int) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("pass secret is empty")
	}
	if size <= 0 {
		size = DefaultSize
	}

	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	block, err := aes.NewCipher(hashed[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Issuer{aead: aead, size: size}, nil
}

// Seal encrypts the claims into a URL-safe token.
func (i *Issuer) Seal(claims models.PassClaims) (string, error) {
	data, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, i.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := i.aead.Seal(nonce, nonce, data, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a token produced by Seal.
func (i *Issuer) Open(token string) (models.PassClaims, error) {
	var claims models.PassClaims

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return claims, ErrInvalidPass
	}
	ns := i.aead.NonceSize()
	if len(raw) < ns {
		return claims, ErrInvalidPass
	}

	data, err := i.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return claims, ErrInvalidPass
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return claims, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}
	if claims.RegistrationID == "" || claims.EventID == "" || claims.UserID == "" {
		return claims, ErrInvalidPass
	}
	return claims, nil
}

// Render returns the sealed claims as a PNG QR code.
func (i *Issuer) Render(claims models.PassClaims) ([]byte, error) {
	token, err := i.Seal(claims)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(token, qrcode.Medium, i.size)
}
