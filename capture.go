package roomkit

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/logging"
	"github.com/samespace/roomkit/pkg/framepool"
)

// captureLoop pulls frames from a VideoSource on its own goroutine and hands
// pooled copies to emit. emit owns the frame reference it receives.
type captureLoop struct {
	source  VideoSource
	pool    *framepool.Pool
	log     logging.LeveledLogger
	context context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	err     error
}

func startCapture(ctx context.Context, source VideoSource, pool *framepool.Pool, log logging.LeveledLogger, emit func(*framepool.Frame), onEnd func(error)) *captureLoop {
	localCtx, cancel := context.WithCancel(ctx)

	c := &captureLoop{
		source:  source,
		pool:    pool,
		log:     log,
		context: localCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(c.done)

		c.err = c.run(emit)

		if onEnd != nil && c.err != nil {
			onEnd(c.err)
		}
	}()

	return c
}

func (c *captureLoop) run(emit func(*framepool.Frame)) error {
	for {
		frame, err := c.source.ReadFrame(c.context)
		if err != nil {
			if c.context.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		if frame == nil {
			continue
		}

		f, err := c.pool.Get(frame.Data)
		if err != nil {
			c.log.Warnf("capture: dropping frame: %v", err)
			continue
		}

		f.Width = frame.Width
		f.Height = frame.Height
		f.Timestamp = frame.Timestamp
		f.Sequence = frame.Sequence

		emit(f)
	}
}

// stop is idempotent. It returns once the loop goroutine has exited and the
// source is closed.
func (c *captureLoop) stop() {
	c.once.Do(func() {
		c.cancel()
		<-c.done

		if err := c.source.Close(); err != nil {
			c.log.Debugf("capture: close source: %v", err)
		}
	})
}
