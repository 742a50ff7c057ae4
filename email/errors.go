package email

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ptgott/batchmail/message"
)

// Kind classifies a failure by how much of a send it affects.
type Kind int

const (
	// KindConnection means the transport couldn't be opened, the greeting
	// couldn't be read, or the connection broke mid-session.
	KindConnection Kind = iota + 1
	// KindProtocol means a step that must always succeed (EHLO, STARTTLS,
	// AUTH, RSET) got an unexpected reply. The rest of the queue is
	// abandoned.
	KindProtocol
	// KindTransaction is scoped to one message. The session carries on
	// with the next one.
	KindTransaction
	// KindConfiguration means there was nothing valid to send, or the
	// client was configured incorrectly.
	KindConfiguration
	// KindPartial means the session completed but at least one message
	// failed.
	KindPartial
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindTransaction:
		return "transaction"
	case KindConfiguration:
		return "configuration"
	case KindPartial:
		return "partial"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptyQueue is returned by Send when there is nothing to send.
	ErrEmptyQueue = errors.New("the message queue is empty")
	// ErrNoQueue is returned by SendMessage when there is no queue to add
	// the message to.
	ErrNoQueue = errors.New("no message queue was given")
	// ErrNoMailFrom is recorded on a message with no usable sender.
	ErrNoMailFrom = errors.New("MAIL FROM is not set for the message")
	// ErrNoRcptTo is recorded on a message with no usable recipient.
	ErrNoRcptTo = errors.New("RCPT TO is not set for the message")
)

// Error is a failure of a single session step. Code and Reply are set when
// the server answered with an unexpected reply.
type Error struct {
	Kind  Kind
	Op    string
	Code  int
	Reply string
	Err   error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%v: unexpected reply %v %v", e.Op, e.Code, e.Reply)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error or *BatchError in err's chain,
// or zero if there is none.
func KindOf(err error) Kind {
	var be *BatchError
	if errors.As(err, &be) {
		return be.Kind
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// BatchError is what Send returns when it can't report that every message
// went out. Queue is the same queue that was passed to Send, annotated with
// whatever outcomes were reached before the failure.
type BatchError struct {
	Kind  Kind
	Err   error
	Queue *message.Queue
}

func (e *BatchError) Error() string {
	if e.Kind != KindPartial || e.Queue == nil {
		return e.Err.Error()
	}
	var s []string
	for i, m := range e.Queue.Messages() {
		if m.Err != nil {
			s = append(s, fmt.Sprintf("message %v: %v", i, m.Err))
		}
	}
	return strings.Join(s, "; ")
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

func partial(q *message.Queue) *BatchError {
	var errs []error
	for _, m := range q.Failed() {
		errs = append(errs, m.Err)
	}
	if len(errs) == 0 {
		return nil
	}
	return &BatchError{
		Kind:  KindPartial,
		Err:   errors.Join(errs...),
		Queue: q,
	}
}
