// Package transport talks to the sync server and tracks whether it is
// reachable. The connection manager owns the HTTP client, classifies every
// request outcome into a connection code, and fans status changes out to
// listeners so the scheduler can react to the server coming and going.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/imroc/req/v3"

	"github.com/driftlab/driftsync/internal/jsonx"
	"github.com/driftlab/driftsync/internal/version"
)

const (
	v1DownloadUpdates = "/api/v1/sync/updates"
	v1Commit          = "/api/v1/sync/commit"
	v1ClearUserData   = "/api/v1/sync/clear"
)

const (
	HeaderClientVersion = "X-Driftsync-Version"
	HeaderDeviceID      = "X-Driftsync-Device-Id"
)

var DriftSyncUserAgent = fmt.Sprintf("DriftSync/%s (%s; %s; %s)", version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

// ConnectionCode summarizes the outcome of the most recent server exchange.
type ConnectionCode int

const (
	ConnectionNone ConnectionCode = iota
	ConnectionUnavailable
	ConnectionServerError
	ConnectionAuthError
	ConnectionOK
	ConnectionRetry
)

var connectionCodeNames = map[ConnectionCode]string{
	ConnectionNone:        "NONE",
	ConnectionUnavailable: "CONNECTION_UNAVAILABLE",
	ConnectionServerError: "SYNC_SERVER_ERROR",
	ConnectionAuthError:   "SYNC_AUTH_ERROR",
	ConnectionOK:          "SERVER_CONNECTION_OK",
	ConnectionRetry:       "RETRY",
}

func (c ConnectionCode) String() string {
	if n, ok := connectionCodeNames[c]; ok {
		return n
	}
	return "INVALID"
}

// Event describes a connection status change.
type Event struct {
	Code            ConnectionCode
	ServerReachable bool
}

// Listener receives connection status changes. Dispatch happens on whichever
// goroutine performed the exchange that changed the status.
type Listener interface {
	OnConnectionEvent(Event)
}

// Credentials authenticate one account on the sync server.
type Credentials struct {
	Email string
	Token string
}

type AuthTokenType string

const (
	AccessToken  AuthTokenType = "access"
	RefreshToken AuthTokenType = "refresh"
)

type AuthClaims struct {
	Type AuthTokenType `json:"type"`
	jwt.RegisteredClaims
}

// TokenExpiry extracts the expiry of a bearer token without verifying its
// signature; clients do not hold the signing key. Tokens that are not JWT
// shaped are treated as opaque and report a zero time.
func TokenExpiry(token string) time.Time {
	claims := &AuthClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Config carries the static parameters of a ConnectionManager.
type Config struct {
	ServerURL string
	DeviceID  string

	// Timeout bounds each request. Zero means the 30s default.
	Timeout time.Duration
}

// ConnectionManager owns the HTTP client for the sync endpoints and tracks
// server reachability. Retry on failure is deliberately left to the
// scheduler's backoff policy rather than duplicated at the HTTP layer.
type ConnectionManager struct {
	client *req.Client

	mu        sync.Mutex
	status    ConnectionCode
	reachable bool
	creds     Credentials
	listeners []Listener
}

func NewConnectionManager(cfg *Config) (*ConnectionManager, error) {
	if cfg == nil || cfg.ServerURL == "" {
		return nil, ErrNoServerURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := req.C().
		SetBaseURL(cfg.ServerURL).
		SetTimeout(timeout).
		SetUserAgent(DriftSyncUserAgent).
		SetCommonHeader(HeaderClientVersion, version.Version).
		SetCommonHeader(HeaderDeviceID, cfg.DeviceID).
		SetJsonMarshal(jsonx.Marshal).
		SetJsonUnmarshal(jsonx.Unmarshal)

	return &ConnectionManager{
		client: client,
		status: ConnectionNone,
	}, nil
}

// AddListener registers l for status change events.
func (c *ConnectionManager) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveListener drops a previously registered listener.
func (c *ConnectionManager) RemoveListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.listeners {
		if have == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Status returns the connection code observed on the latest exchange.
func (c *ConnectionManager) Status() ConnectionCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ServerReachable reports whether the last exchange got any response at all.
func (c *ConnectionManager) ServerReachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reachable
}

// SetCredentials installs the bearer token used on subsequent requests. An
// already expired token is rejected. The connection status is left alone; a
// prior auth failure clears only once a request succeeds with the new token.
func (c *ConnectionManager) SetCredentials(creds Credentials) error {
	if creds.Token == "" {
		return ErrNoCredentials
	}
	if exp := TokenExpiry(creds.Token); !exp.IsZero() && exp.Before(time.Now()) {
		return ErrTokenExpired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	c.client.SetCommonBearerAuthToken(creds.Token)
	return nil
}

// Credentials returns the currently installed credentials.
func (c *ConnectionManager) Credentials() Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// DownloadUpdates fetches changes the client has not applied yet.
func (c *ConnectionManager) DownloadUpdates(ctx context.Context, r *DownloadUpdatesRequest) (resp *DownloadUpdatesResponse, err error) {
	if err := c.post(ctx, v1DownloadUpdates, "download updates", r, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Commit uploads locally changed entities.
func (c *ConnectionManager) Commit(ctx context.Context, r *CommitRequest) (resp *CommitResponse, err error) {
	if err := c.post(ctx, v1Commit, "commit", r, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ClearUserData asks the server to wipe this account's state.
func (c *ConnectionManager) ClearUserData(ctx context.Context, r *ClearUserDataRequest) (resp *ClearUserDataResponse, err error) {
	if err := c.post(ctx, v1ClearUserData, "clear user data", r, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ConnectionManager) post(ctx context.Context, path, operation string, body, out any) error {
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(out).
		SetErrorResult(&APIError{}).
		Post(path)

	c.updateStatus(classifyExchange(res, err))

	return handleAPIError(res, err, operation)
}

func classifyExchange(res *req.Response, err error) ConnectionCode {
	if err != nil {
		return ConnectionUnavailable
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return ConnectionAuthError
	case res.StatusCode == http.StatusTooManyRequests:
		return ConnectionRetry
	case res.IsSuccessState():
		return ConnectionOK
	default:
		return ConnectionServerError
	}
}

func (c *ConnectionManager) updateStatus(code ConnectionCode) {
	c.mu.Lock()
	reachable := code != ConnectionUnavailable
	changed := code != c.status || reachable != c.reachable
	c.status = code
	c.reachable = reachable
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	if !changed {
		return
	}
	ev := Event{Code: code, ServerReachable: reachable}
	for _, l := range listeners {
		l.OnConnectionEvent(ev)
	}
}
