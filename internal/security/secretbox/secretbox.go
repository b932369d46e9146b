// Package secretbox cifra material de secretos en reposo con AES-256-GCM.
//
// Formato del blob: base64(nonce)|base64(ciphertext). El nonce es aleatorio por llamada.
// La clave AEAD se deriva de la master key con HKDF-SHA256 y un "purpose" fijo, así la
// misma master key puede servir a varios usos sin reutilizar la clave de cifrado.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	nonceSizeGCM      = 12  // AES-GCM nonce size recomendado (96 bits)
	RequiredKeyLength = 32  // 32 bytes => AES-256
	sep               = "|" // nonce|ciphertext (ambos en base64)

	// PurposeSecretMaterial cifra los shared secrets en la base central.
	PurposeSecretMaterial = "edgesync/secret-material/v1"
	// PurposeEdgeState cifra los secretos que el nodo edge guarda localmente.
	PurposeEdgeState = "edgesync/edge-state/v1"
)

var (
	// ErrInvalidKey: la master key no decodifica a 32 bytes.
	ErrInvalidKey = errors.New("secretbox: invalid master key")
	// ErrMalformed: el blob no respeta el formato nonce|ciphertext.
	ErrMalformed = errors.New("secretbox: malformed ciphertext")
	// ErrDecrypt: falla de autenticación GCM (blob corrupto o clave incorrecta).
	ErrDecrypt = errors.New("secretbox: decrypt failed")
)

// Box cifra/descifra con una clave derivada. Es seguro para uso concurrente.
type Box struct {
	aead cipher.AEAD
}

// New crea un Box a partir de la master key cruda (32 bytes) y un purpose.
func New(masterKey []byte, purpose string) (*Box, error) {
	if len(masterKey) != RequiredKeyLength {
		return nil, fmt.Errorf("%w: %d bytes (requiere %d)", ErrInvalidKey, len(masterKey), RequiredKeyLength)
	}
	key := make([]byte, RequiredKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// NewFromString acepta la master key en base64 (std o raw) o hex de 64 chars.
func NewFromString(encoded, purpose string) (*Box, error) {
	k, err := ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return New(k, purpose)
}

// ParseKey decodifica una master key en base64 o hex.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if b, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(b) == RequiredKeyLength {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(encoded); err == nil && len(b) == RequiredKeyLength {
		return b, nil
	}
	if len(encoded) == 2*RequiredKeyLength {
		if b, err := hex.DecodeString(encoded); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: expected base64 or hex of %d bytes", ErrInvalidKey, RequiredKeyLength)
}

// GenerateKey devuelve una master key nueva en base64 (para `secrets gen-master`).
func GenerateKey() (string, error) {
	b := make([]byte, RequiredKeyLength)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Encrypt cifra plain y devuelve base64(nonce)|base64(ciphertext).
func (b *Box) Encrypt(plain []byte) (string, error) {
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}
	ct := b.aead.Seal(nil, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt recibe base64(nonce)|base64(ciphertext) y devuelve el texto plano.
// Nunca devuelve texto plano parcial: cualquier alteración produce ErrDecrypt.
func (b *Box) Decrypt(blob string) ([]byte, error) {
	parts := strings.Split(blob, sep)
	if len(parts) != 2 {
		return nil, ErrMalformed
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSizeGCM {
		return nil, ErrMalformed
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	pt, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
