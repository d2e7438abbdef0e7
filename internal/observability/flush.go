package observability

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// FlushTelemetry closes backends opened for the process (cache clients, stores) and then
// flushes logs. Metrics are pull-based and need no flush. Call during graceful shutdown
// after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}
