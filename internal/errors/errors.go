package errors

import "errors"

// Engine errors.
var (
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrNotConnected        = errors.New("not connected to repository")
	ErrRemoteRootNotFolder = errors.New("remote root is not a folder")
)

// Transfer errors.
var (
	ErrNullContentStream  = errors.New("server returned no content stream")
	ErrIncompleteTransfer = errors.New("content stream ended before declared length")
)
