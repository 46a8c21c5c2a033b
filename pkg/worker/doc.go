// Package worker provides a generic bounded worker pool for concurrent
// message processing.
//
// A Pool runs a fixed set of goroutines fed by a bounded queue. Submit is
// non-blocking: when the queue is full the item is dropped and ErrQueueFull
// returned, so callers on a transport read loop never stall behind slow
// processing. The caller decides what to do with a dropped item.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, msg Inbound) error {
//	    return handle(ctx, msg)
//	})
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.Submit(msg); errors.Is(err, worker.ErrQueueFull) {
//	    deadLetter(msg)
//	}
//
// Statistics are always tracked with atomics and available through Stats.
// Prometheus gauges, counters, and histograms are opt-in via
// WithMetricsRegistry. Stop closes the queue, lets workers drain what is
// already buffered, and returns ErrStopTimeout if they do not finish within
// the given timeout.
package worker
