package transport

import (
	"errors"
	"fmt"

	"github.com/imroc/req/v3"
)

var (
	// client common
	ErrNoServerURL   = errors.New("transport: server url missing")
	ErrNoCredentials = errors.New("transport: credentials missing")
	ErrTokenExpired  = errors.New("transport: auth token expired")
)

const (
	// Generic request/server errors
	CodeInvalidRequest = "E_INVALID_REQUEST" // bad or invalid request
	CodeRateLimited    = "E_RATE_LIMITED"    // rate limit exceeded
	CodeInternalError  = "E_INTERNAL_ERROR"  // internal server error
	CodeAccessDenied   = "E_ACCESS_DENIED"   // access denied
	CodeUnknownError   = "E_UNKNOWN_ERR"     // unknown error

	// Auth errors
	CodeAuthInvalidCredentials = "E_AUTH_INVALID_CREDENTIALS" // token invalid, expired, or malformed
	CodeAuthTokenRefreshFailed = "E_AUTH_TOKEN_REFRESH_FAILED"

	// Sync endpoint errors
	CodeSyncUnknownCacheGUID = "E_SYNC_UNKNOWN_CACHE_GUID" // server has no record of this client
	CodeSyncStoreBusy        = "E_SYNC_STORE_BUSY"         // server store temporarily unavailable
)

// ClientError is the interface shared by typed errors this package returns.
type ClientError interface {
	error
	ErrorCode() string
	ErrorMessage() string
}

// BaseError provides common error functionality
type BaseError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *BaseError) ErrorCode() string    { return e.Code }
func (e *BaseError) ErrorMessage() string { return e.Message }

// APIError represents sync server API errors
type APIError struct {
	BaseError
}

func NewAPIError(code, message string) *APIError {
	return &APIError{
		BaseError: BaseError{
			Code:    code,
			Message: message,
		},
	}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

var _ ClientError = (*APIError)(nil)

// handleAPIError is a helper function that handles the common error pattern
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s %w", operation, requestErr)
	}

	// got a response, but api returned an error
	if resp.IsErrorState() {
		if err, ok := resp.ErrorResult().(*APIError); ok {
			return fmt.Errorf("%s %w", operation, err)
		}

		return fmt.Errorf("api error: %s %s", operation, resp.Dump())
	}

	return nil
}
