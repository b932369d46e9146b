// Package client habla con la central: requests firmadas con HMAC-SHA256
// sobre la representación canónica y timeout acotado en cada llamada.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	"github.com/dropDatabas3/edgesync/internal/security/signing"
)

// Headers del protocolo (mismos nombres que valida el gate de la central).
const (
	HeaderServerID  = "X-Server-ID"
	HeaderGeoID     = "X-Geo-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderRequestID = "X-Request-ID"
)

// Códigos de error de la central que el edge interpreta.
const (
	CodeBadSignature   = "bad_signature"
	CodeStaleTimestamp = "stale_timestamp"
	CodeUnknownNode    = "unknown_node"
	CodeConflict       = "conflict"
)

// ErrTransient marca fallas reintentables: red, timeout, 5xx, 429.
var ErrTransient = errors.New("client: transient failure")

// ErrNoSecret: el edge todavía no tiene el secreto pedido.
var ErrNoSecret = errors.New("client: secret not available")

// APIError es una respuesta no-2xx de la central.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("central: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("central: %d %s", e.Status, e.Code)
}

// Transient reporta si conviene reintentar.
func (e *APIError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Unwrap expone ErrTransient para errors.Is.
func (e *APIError) Unwrap() error {
	if e.Transient() {
		return ErrTransient
	}
	return nil
}

// IsBadSignature reporta un 401 bad_signature (secreto rotado en la central).
func IsBadSignature(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.Status == http.StatusUnauthorized && api.Code == CodeBadSignature
}

// IsAuth reporta cualquier 401.
func IsAuth(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.Status == http.StatusUnauthorized
}

// IsRejected reporta un rechazo no reintentable (400 / 409 / 413).
func IsRejected(err error) bool {
	var api *APIError
	if !errors.As(err, &api) {
		return false
	}
	switch api.Status {
	case http.StatusBadRequest, http.StatusConflict, http.StatusRequestEntityTooLarge:
		return true
	}
	return false
}

// SecretProvider entrega el plaintext del secreto local por tipo.
type SecretProvider interface {
	Secret(ctx context.Context, t repository.SecretType) (string, error)
}

// Config del cliente.
type Config struct {
	BaseURL  string
	ServerID string
	GeoID    string
	// Timeout por llamada (default 10s).
	Timeout time.Duration
	Version string
}

// Client es seguro para uso concurrente.
type Client struct {
	base     *url.URL
	serverID string
	geoID    string
	version  string
	timeout  time.Duration
	secrets  SecretProvider
	clock    clock.Clock
	http     *http.Client
}

// New crea un cliente. httpClient nil usa uno con Timeout = cfg.Timeout.
func New(cfg Config, secrets SecretProvider, clk clock.Clock, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: invalid central url %q", cfg.BaseURL)
	}
	if cfg.ServerID == "" || cfg.GeoID == "" {
		return nil, errors.New("client: server id and geo id are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:     base,
		serverID: cfg.ServerID,
		geoID:    cfg.GeoID,
		version:  cfg.Version,
		timeout:  cfg.Timeout,
		secrets:  secrets,
		clock:    clock.OrReal(clk),
		http:     httpClient,
	}, nil
}

// ─── Endpoints ───

// Register da de alta (o re-registra) el nodo. No va firmada: la autentica
// el registration token y, para un nodo existente, X-Node-Secret.
func (c *Client) Register(ctx context.Context, token, nodeSecret string, req dto.RegisterRequest) (*dto.RegisterResponse, error) {
	h := http.Header{}
	h.Set(dto.HeaderRegistrationToken, token)
	if nodeSecret != "" {
		h.Set(dto.HeaderNodeSecret, nodeSecret)
	}
	var out dto.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/sync/register", nil, req, "", h, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rekey pide el secreto sync activo firmando con node_auth.
func (c *Client) Rekey(ctx context.Context) (*dto.RekeyResponse, error) {
	var out dto.RekeyResponse
	if err := c.do(ctx, http.MethodPost, "/sync/rekey", nil, struct{}{}, repository.SecretTypeNodeAuth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NodeAuth pide el node_auth activo firmando con sync.
func (c *Client) NodeAuth(ctx context.Context) (*dto.NodeAuthResponse, error) {
	var out dto.NodeAuthResponse
	if err := c.signed(ctx, http.MethodPost, "/sync/node-auth", nil, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Heartbeat(ctx context.Context, req dto.HeartbeatRequest) (*dto.HeartbeatResponse, error) {
	var out dto.HeartbeatResponse
	if err := c.signed(ctx, http.MethodPost, "/sync/heartbeat", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*dto.StatusResponse, error) {
	var out dto.StatusResponse
	if err := c.signed(ctx, http.MethodGet, "/sync/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FullSync(ctx context.Context, entities []string) (*dto.FullSyncResponse, error) {
	var out dto.FullSyncResponse
	if err := c.signed(ctx, http.MethodPost, "/sync/full", nil, dto.FullSyncRequest{Entities: entities}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Changes(ctx context.Context, since int64, limit int) (*dto.ChangesResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out dto.ChangesResponse
	if err := c.signed(ctx, http.MethodGet, "/sync/changes", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Push(ctx context.Context, req dto.PushRequest) (*dto.PushResponse, error) {
	var out dto.PushResponse
	if err := c.signed(ctx, http.MethodPost, "/sync/push", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Item(ctx context.Context, req dto.ItemRequest) (*dto.ItemResponse, error) {
	var out dto.ItemResponse
	if err := c.signed(ctx, http.MethodPost, "/sync/item", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Transporte ───

func (c *Client) signed(ctx context.Context, method, path string, q url.Values, body, out any) error {
	return c.do(ctx, method, path, q, body, repository.SecretTypeSync, nil, out)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do arma, firma (si secretType != "") y ejecuta la request.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any, secretType repository.SecretType, extra http.Header, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("client: encode %s: %w", path, err)
		}
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if c.version != "" {
		req.Header.Set("User-Agent", "edgesync/"+c.version)
	}

	if secretType != "" {
		if c.secrets == nil {
			return ErrNoSecret
		}
		secret, err := c.secrets.Secret(ctx, secretType)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNoSecret, secretType, err)
		}
		ts := c.clock.Now().UTC().Format(time.RFC3339Nano)
		req.Header.Set(HeaderServerID, c.serverID)
		req.Header.Set(HeaderGeoID, c.geoID)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, signing.Sign([]byte(secret), signing.Canonical(method, req.URL.RequestURI(), ts, raw)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		api := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var eb errorBody
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			api.Code, api.Message = eb.Error, eb.Message
		}
		return api
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrTransient, path, err)
	}
	return nil
}
