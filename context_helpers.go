package filequeue

import (
	"context"
	"io"
	"log/slog"
	"time"
)

func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sleepOrSignal waits for d, returning false early when ctx is done or any of
// the signal channels is closed.
func sleepOrSignal(ctx context.Context, d time.Duration, signals ...<-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	// Fixed slots keep the select static; nil channels never fire.
	var s [3]<-chan struct{}
	copy(s[:], signals)

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s[0]:
		return false
	case <-s[1]:
		return false
	case <-s[2]:
		return false
	}
}
