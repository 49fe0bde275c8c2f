package types

import "github.com/pkg/errors"

// ConstError is a sentinel error that can be declared as a constant.
type ConstError string

func (err ConstError) Error() string { return string(err) }

// Error kinds. Every error returned by the pipeline classifies as exactly
// one of these through `errors.Is`.
const (
	HardwareFaultErr     ConstError = "hardware fault"
	FormatInvalidErr     ConstError = "invalid format"
	NotFoundErr          ConstError = "not found"
	ResourceExhaustedErr ConstError = "resource exhausted"
	UnsupportedErr       ConstError = "unsupported"

	// UninitializedErr and InvalidArgumentErr indicate a caller bug rather
	// than bad hardware or bad disk contents.
	UninitializedErr   ConstError = "not initialized"
	InvalidArgumentErr ConstError = "invalid argument"
)

var kinds = [...]ConstError{
	HardwareFaultErr,
	FormatInvalidErr,
	NotFoundErr,
	ResourceExhaustedErr,
	UnsupportedErr,
	UninitializedErr,
	InvalidArgumentErr,
}

// Kind returns the kind `err` classifies as, or the empty ConstError if it
// is not one of ours.
func Kind(err error) ConstError {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ""
}

// KindError attaches a kind to a plain message. Use it for failures that
// carry no structured detail.
type KindError struct {
	Kind ConstError
	Msg  string
}

func NewError(kind ConstError, msg string) error {
	return &KindError{Kind: kind, Msg: msg}
}

func (err *KindError) Error() string { return err.Msg }

func (err *KindError) Is(target error) bool { return target == err.Kind }
