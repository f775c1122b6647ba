package shutdown

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/logger"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewHandler(log)
}

func TestShutdownRunsFuncsInReverseOrder(t *testing.T) {
	h := testHandler(t)

	var order []string
	h.Register(func() error { order = append(order, "store"); return nil })
	h.Register(func() error { order = append(order, "sink"); return nil })
	h.Register(func() error { order = append(order, "checkpoint"); return nil })

	h.Shutdown()
	assert.Equal(t, []string{"checkpoint", "sink", "store"}, order)

	// A second call finds nothing left to run.
	h.Shutdown()
	assert.Len(t, order, 3)
}

func TestShutdownContinuesPastErrors(t *testing.T) {
	h := testHandler(t)

	ran := 0
	h.Register(func() error { ran++; return nil })
	h.Register(func() error { ran++; return assert.AnError })
	h.Register(func() error { ran++; return nil })

	h.Shutdown()
	assert.Equal(t, 3, ran)
}

func TestShutdownWithTimeout(t *testing.T) {
	h := testHandler(t)
	h.Register(func() error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	assert.NoError(t, h.ShutdownWithTimeout(2*time.Second))

	hung := testHandler(t)
	release := make(chan struct{})
	hung.Register(func() error {
		<-release
		return nil
	})
	err := hung.ShutdownWithTimeout(50 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown timeout")
	close(release)
}

func TestDoneClosesOnShutdown(t *testing.T) {
	h := testHandler(t)

	select {
	case <-h.Done():
		t.Fatal("done closed before shutdown")
	default:
	}

	h.Shutdown()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after shutdown")
	}
}

func TestContextCancelledByParent(t *testing.T) {
	h := testHandler(t)

	parent, parentCancel := context.WithCancel(context.Background())
	ctx, cancel := h.Context(parent)
	defer cancel()

	parentCancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by parent")
	}
}

func TestContextCancelledBySignal(t *testing.T) {
	h := testHandler(t)

	ctx, cancel := h.Context(context.Background())
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by signal")
	}

	// Lets the signal goroutine finish instead of waiting on a second
	// signal.
	h.Shutdown()
}
