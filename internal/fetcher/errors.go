package fetcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/spb-transit/arrival-bot/pkg/transit"
)

// ErrorKind classifies fetch failures. All kinds are transient: the poll
// scheduler owns the retry policy, the fetcher never retries internally.
type ErrorKind int

const (
	// KindTimeout: the per-call deadline expired.
	KindTimeout ErrorKind = iota
	// KindUnreachable: connection or protocol-level failure, including
	// unexpected HTTP status codes.
	KindUnreachable
	// KindMalformedResponse: the body is not a valid GTFS-RT feed.
	KindMalformedResponse
	// KindRateLimited: the upstream asked us to back off.
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindMalformedResponse:
		return "malformed_response"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// FetchError is a typed failure of one forecast fetch.
type FetchError struct {
	Kind   ErrorKind
	StopID transit.StopID

	// RetryAfter is the upstream-suggested wait, set for KindRateLimited
	// when the response carried a Retry-After header.
	RetryAfter time.Duration

	Err error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s for stop %s: %v", e.Kind, e.StopID, e.Err)
	}
	return fmt.Sprintf("fetch %s for stop %s", e.Kind, e.StopID)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf returns the fetch error kind, and whether err is a FetchError at
// all.
func KindOf(err error) (ErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
