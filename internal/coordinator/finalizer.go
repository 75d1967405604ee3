package coordinator

import (
	"context"

	"mediarchiver/internal/catalog"
	"mediarchiver/internal/fileutil"
)

// FileToMove is one piece of finalizer work: a completed upload sitting at
// TmpPath that needs installing at Result.Path, plus the source times to
// stamp onto it.
type FileToMove struct {
	Result  catalog.EncodedFile
	TmpPath string
	Times   fileutil.Times
}

func (c *Coordinator) enqueueFinalizer(item FileToMove) {
	c.mu.Lock()
	c.queue = append(c.queue, item)
	c.mu.Unlock()
	c.cond.Signal()
}

// RunFinalizer drains the finalizer queue until Stop has been called and the
// Coordinator has gone idle. It is meant to run as its own goroutine.
func (c *Coordinator) RunFinalizer(ctx context.Context) {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !(c.stopRequested && c.isIdleLocked()) {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.finalize(ctx, item)
	}
}

func (c *Coordinator) finalize(ctx context.Context, item FileToMove) {
	if item.Result.Status != catalog.StatusOK || item.Result.Length == 0 {
		if err := c.cat.AddEncoded(ctx, item.Result); err != nil {
			c.logger.Printf("finalizer: record source %d: %v", item.Result.SourceID, err)
		}
		return
	}

	if err := fileutil.Move(item.TmpPath, item.Result.Path, &item.Times); err != nil {
		c.logger.Printf("finalizer: move %s -> %s: %v", item.TmpPath, item.Result.Path, err)
		failed := item.Result
		failed.Status = catalog.StatusServerIOError
		failed.Length = 0
		failed.Error = err.Error()
		if err2 := c.cat.AddEncoded(ctx, failed); err2 != nil {
			c.logger.Printf("finalizer: record move failure for source %d: %v", failed.SourceID, err2)
		}
		return
	}

	if err := c.cat.AddEncoded(ctx, item.Result); err != nil {
		c.logger.Printf("finalizer: record source %d: %v", item.Result.SourceID, err)
	}
}
