package protocol

import (
	"errors"

	"cpapsync/internal/analysis"
	"cpapsync/internal/store"
)

// ErrInvalidRequest reports identity or pressure values that fail
// validation.
var ErrInvalidRequest = errors.New("invalid request")

// Kind is the stable, client-visible classification of a failure.
type Kind string

const (
	KindInvalidSample      Kind = "invalid_sample"
	KindInvalidRequest     Kind = "invalid_request"
	KindRoomNotFound       Kind = "room_not_found"
	KindSampleNotFound     Kind = "sample_not_found"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindInternal           Kind = "internal"
)

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, analysis.ErrInvalidSample):
		return KindInvalidSample
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, store.ErrRoomNotFound):
		return KindRoomNotFound
	case errors.Is(err, store.ErrSampleNotFound):
		return KindSampleNotFound
	case errors.Is(err, store.ErrStorageUnavailable):
		return KindStorageUnavailable
	}
	return KindInternal
}

// Sentinel returns the error value a Kind stands for, or nil for
// KindInternal and unknown kinds.
func (k Kind) Sentinel() error {
	switch k {
	case KindInvalidSample:
		return analysis.ErrInvalidSample
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindRoomNotFound:
		return store.ErrRoomNotFound
	case KindSampleNotFound:
		return store.ErrSampleNotFound
	case KindStorageUnavailable:
		return store.ErrStorageUnavailable
	}
	return nil
}
