package steptrail

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrClosed           = errors.New("engine closed")
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrSyncFailed       = errors.New("sync failed")
)

type ErrorCode string

const (
	CodeSyncDisabled        ErrorCode = "SYNC_DISABLED"
	CodeSyncEndpointMissing ErrorCode = "SYNC_ENDPOINT_MISSING"
	CodeAuthRequired        ErrorCode = "AUTH_REQUIRED"
	CodeAuthDenied          ErrorCode = "AUTH_DENIED"
	CodeTokenExpired        ErrorCode = "TOKEN_EXPIRED"
	CodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	CodeNetworkError        ErrorCode = "NETWORK_ERROR"
	CodeUploadFailed        ErrorCode = "UPLOAD_FAILED"
)

// SyncError is the failure half of an upload outcome.
type SyncError struct {
	Code       ErrorCode
	StatusCode int
	Message    string
}

func (e *SyncError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("sync %s (http %d): %s", e.Code, e.StatusCode, e.Message)
	}
	if e.Message == "" {
		return "sync " + string(e.Code)
	}
	return fmt.Sprintf("sync %s: %s", e.Code, e.Message)
}

func (e *SyncError) Is(target error) bool {
	return target == ErrSyncFailed
}

// ErrorCodeOf maps any upload error onto the fixed taxonomy. Errors that
// carry no code are treated as transport failures.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) && syncErr.Code != "" {
		return syncErr.Code
	}
	return CodeNetworkError
}

type errorClass int

const (
	classTransient errorClass = iota
	classAuth
	classTerminal
)

func classify(code ErrorCode) errorClass {
	switch code {
	case CodeSyncDisabled, CodeSyncEndpointMissing, CodeAuthDenied:
		return classTerminal
	case CodeTokenExpired, CodeAuthRequired:
		return classAuth
	default:
		return classTransient
	}
}

func timeoutError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && ErrorCodeOf(err) == CodeNetworkError) {
		return &SyncError{Code: CodeNetworkError, Message: "upload timed out"}
	}
	return err
}

// errNoChange lets a mutation finish without persisting anything.
var errNoChange = errors.New("no change")
