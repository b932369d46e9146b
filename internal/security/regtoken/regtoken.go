// Package regtoken emite y valida los tokens de registro de edge nodes.
//
// El token es un JWT HS256 firmado con una clave del operador (no con secretos
// de nodo, que todavía no existen al momento del bootstrap). Claims:
//
//	sub = server_id del nodo
//	geo = geo_id esperado ("" acepta cualquiera)
//	exp = vencimiento
package regtoken

import (
	"errors"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer = "edgesync"
	// leeway tolera diferencias de reloj chicas entre emisor y central.
	leeway = 30 * time.Second
)

var (
	ErrInvalidToken = errors.New("invalid_registration_token")
	ErrMismatch     = errors.New("registration_token_mismatch")
	ErrNoKey        = errors.New("registration signing key not configured")
)

// Claims del token de registro.
type Claims struct {
	GeoID string `json:"geo,omitempty"`
	jwtv5.RegisteredClaims
}

// Issuer firma y valida tokens con una clave simétrica.
type Issuer struct {
	key []byte
	now func() time.Time
}

// New crea un Issuer. now puede ser nil (usa time.Now).
func New(key []byte, now func() time.Time) (*Issuer, error) {
	if len(key) < 16 {
		return nil, ErrNoKey
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{key: key, now: now}, nil
}

// Issue emite un token para serverID/geoID válido por ttl.
func (i *Issuer) Issue(serverID, geoID string, ttl time.Duration) (string, time.Time, error) {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return "", time.Time{}, errors.New("server id required")
	}
	now := i.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		GeoID: geoID,
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    issuer,
			Subject:   serverID,
			ID:        uuid.NewString(),
			IssuedAt:  jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(exp),
		},
	}
	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse valida firma, issuer y exp. No chequea el sujeto (ver Verify).
func (i *Issuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwtv5.ParseWithClaims(strings.TrimSpace(token), claims,
		func(t *jwtv5.Token) (any, error) { return i.key, nil },
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodHS256.Alg()}),
		jwtv5.WithIssuer(issuer),
		jwtv5.WithExpirationRequired(),
		jwtv5.WithLeeway(leeway),
		jwtv5.WithTimeFunc(i.now),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verify valida el token y que corresponda al nodo que se registra.
func (i *Issuer) Verify(token, serverID, geoID string) (*Claims, error) {
	claims, err := i.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Subject != serverID {
		return nil, ErrMismatch
	}
	if claims.GeoID != "" && claims.GeoID != geoID {
		return nil, ErrMismatch
	}
	return claims, nil
}
