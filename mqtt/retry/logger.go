// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package retry

import (
	"context"
	"log/slog"

	"github.com/astarte-platform/astarte-stream-test/internal/log"
)

type logger struct{ log.Logger }

func (l logger) attempt(ctx context.Context, task string, attempt uint64) {
	l.Debug(ctx, "retry",
		slog.String("task", task),
		slog.Uint64("attempt", attempt),
	)
}

func (l logger) wait(
	ctx context.Context,
	task string,
	attempt uint64,
	err error,
) {
	l.Info(ctx, "retry scheduled",
		slog.String("task", task),
		slog.Uint64("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

func (l logger) complete(
	ctx context.Context,
	task string,
	attempt uint64,
	err error,
) {
	if err != nil {
		l.Warn(ctx, "retry failed",
			slog.String("task", task),
			slog.Uint64("attempt", attempt),
			slog.String("error", err.Error()),
		)
	} else {
		l.Debug(ctx, "retry succeeded",
			slog.String("task", task),
			slog.Uint64("attempt", attempt),
		)
	}
}
