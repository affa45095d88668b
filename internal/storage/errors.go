package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"

	"github.com/minio/minio-go/v7"
)

// Sentinel errors for storage operations.
// ErrAccessDenied and ErrNetworkError wrap ErrStorage, so callers that only
// care about "storage is broken" can test for ErrStorage alone.
var (
	// ErrStorage indicates an I/O failure in the backing store
	ErrStorage = errors.New("storage failure")

	// ErrNotFound indicates the requested chunk or object does not exist
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions for the operation
	ErrAccessDenied = fmt.Errorf("%w: access denied", ErrStorage)

	// ErrNetworkError indicates a network connectivity issue
	ErrNetworkError = fmt.Errorf("%w: network error", ErrStorage)

	// ErrChunkTooLarge indicates a chunk payload exceeds the configured maximum
	ErrChunkTooLarge = errors.New("chunk too large")
)

var networkHints = []string{"connection", "timeout", "network", "dial", "refused", "no such host"}

// classifyStorageError maps backend errors (minio responses, filesystem
// errors, network failures) onto the package sentinels.
func classifyStorageError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		switch minioErr.Code {
		case "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%s: %w", operation, ErrNotFound)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%s: %w", operation, ErrAccessDenied)
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", operation, ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w: %v", operation, ErrAccessDenied, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || hasNetworkHint(err.Error()) {
		return fmt.Errorf("%s: %w: %v", operation, ErrNetworkError, err)
	}

	return fmt.Errorf("%s: %w: %w", operation, ErrStorage, err)
}

func hasNetworkHint(msg string) bool {
	msg = strings.ToLower(msg)
	for _, hint := range networkHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
