package tests

import (
	"context"

	"github.com/cwrk-planet/support-chat/pkg/logger"
)

func toAttrsFromCtx(ctx context.Context) []any {
	attrs := logger.AttrsFromCtx(ctx)
	result := make([]any, len(attrs))
	for i, attr := range attrs {
		result[i] = attr
	}

	return result
}
