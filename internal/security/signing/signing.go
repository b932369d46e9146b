// Package signing implementa la firma HMAC-SHA256 de requests de sync.
//
// El payload canónico es idéntico en firmante (edge) y verificador (central):
//
//	METHOD \n PATH?QUERY \n TIMESTAMP \n hex(sha256(body))
//
// Cualquier diferencia en campos u orden hace fallar todas las requests (fail closed).
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// CryptoError envuelve fallas criptográficas para que no crucen la frontera del protocolo
// como errores crudos de bajo nivel.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return "crypto: " + e.Op
	}
	return "crypto: " + e.Op + ": " + e.Err.Error()
}

func (e *CryptoError) Unwrap() error { return e.Err }

// KeyBytes es el tamaño del material de un shared secret (256 bits).
const KeyBytes = 32

// NewKey genera material aleatorio en hex. El hex es lo que viaja al nodo, lo
// que se hashea para verificar y, como bytes, la clave HMAC.
func NewKey() (string, error) {
	b := make([]byte, KeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", &CryptoError{Op: "generate", Err: err}
	}
	return hex.EncodeToString(b), nil
}

// Canonical arma la representación determinística de la request.
// path debe incluir la query cruda si existe (r.URL.RequestURI()).
func Canonical(method, path, timestamp string, body []byte) []byte {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(timestamp) + 67)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(SHA256Hex(body))
	return []byte(b.String())
}

// Sign devuelve hex(HMAC-SHA256(secret, payload)).
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compara en tiempo constante la firma esperada con signatureHex.
// Una firma que no es hex válido devuelve false.
func Verify(secret, payload []byte, signatureHex string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}

// SHA256Hex devuelve sha256(b) en hex.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compara dos strings sin filtrar timing por contenido.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
