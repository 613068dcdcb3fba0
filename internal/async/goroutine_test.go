package async

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGoRecoversPanic(t *testing.T) {
	var out syncBuffer
	logger := zerolog.New(&out)

	done := make(chan struct{})
	Go(logger, "invalidate", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}

	deadline := time.Now().Add(time.Second)
	for !strings.Contains(out.String(), "goroutine panic") {
		if time.Now().After(deadline) {
			t.Fatalf("panic was not logged: %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(out.String(), `"goroutine":"invalidate"`) {
		t.Fatalf("missing goroutine name: %q", out.String())
	}
}
