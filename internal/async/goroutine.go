package async

import (
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger zerolog.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger zerolog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", name).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("goroutine panic")
	}
}
