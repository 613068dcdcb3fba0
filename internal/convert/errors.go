package convert

import "errors"

var (
	// ErrAspectRatioRejected and ErrDecodeFailed are terminal: retrying the
	// same bytes can never succeed.
	ErrAspectRatioRejected = errors.New("aspect ratio rejected")
	ErrDecodeFailed        = errors.New("decode failed")

	// ErrEncodeFailed may be a transient resource problem.
	ErrEncodeFailed = errors.New("encode failed")
)

func IsRetryable(err error) bool {
	return errors.Is(err, ErrEncodeFailed)
}

func IsTerminal(err error) bool {
	return errors.Is(err, ErrAspectRatioRejected) || errors.Is(err, ErrDecodeFailed)
}
