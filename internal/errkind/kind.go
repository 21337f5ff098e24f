// Package errkind models the error taxonomy used across the pipeline so log
// queries and retry decisions can key on a stable `kind=` value rather than
// matching error message text.
package errkind

// Kind classifies an error raised anywhere in the pipeline.
type Kind string

const (
	MalformedInput    Kind = "MALFORMED_INPUT"
	SanitizeFail      Kind = "SANITIZE_FAIL"
	DedupBackendError Kind = "DEDUP_BACKEND_ERROR"
	QueueEnqueueError Kind = "QUEUE_ENQUEUE_ERROR"
	QueueReadError    Kind = "QUEUE_READ_ERROR"
	ApplyTransient    Kind = "APPLY_TRANSIENT"
	ApplyPermanent    Kind = "APPLY_PERMANENT"
	BackupWriteError  Kind = "BACKUP_WRITE_ERROR"
)

// Error wraps an underlying error with a Kind so callers can attach it to a
// structured log event without string matching.
type Error struct {
	K   Kind
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.K)
	}
	return string(e.K) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a Kind to err. Returns nil if err is nil.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{K: k, Err: err}
}

// Of extracts the Kind from err, if any was attached via Wrap.
func Of(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if ke, ok := err.(*Error); ok {
			e = ke
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.K, true
}
