package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// SendClass separates failures the dispatcher should retry from those it
// must drop.
type SendClass int

const (
	// SendTransient: network trouble or platform rate limiting; retried
	// with backoff.
	SendTransient SendClass = iota
	// SendPermanent: the subscriber is gone (blocked the bot, deleted
	// the chat); dropped and reported, never retried.
	SendPermanent
)

func (c SendClass) String() string {
	if c == SendPermanent {
		return "permanent"
	}
	return "transient"
}

// SendError is a typed failure of one bot send call.
type SendError struct {
	Class SendClass

	// RetryAfter is the platform-suggested wait, when it sent one.
	RetryAfter time.Duration

	Err error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send failed (%s): %v", e.Class, e.Err)
	}
	return fmt.Sprintf("send failed (%s)", e.Class)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ClassOf classifies any error from a Sender. Unknown errors count as
// transient: misclassifying a permanent failure costs a few wasted
// retries, misclassifying a transient one loses a notification.
func ClassOf(err error) SendClass {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}
	return SendTransient
}
