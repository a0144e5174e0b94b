package utils

import (
	"context"

	"github.com/mmdatafocus/tally_sync/appctx"
)

var (
	ContextKeyOwnerId        = appctx.ContextKeyOwnerId
	ContextKeyCorrelationId  = appctx.ContextKeyCorrelationId
	ContextKeySyncRunId      = appctx.ContextKeySyncRunId
	ContextKeySkipOwnerScope = appctx.ContextKeySkipOwnerScope
)

func GetOwnerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyOwnerId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetSyncRunIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeySyncRunId)
}

func SetOwnerIdInContext(ctx context.Context, ownerId string) context.Context {
	return appctx.Set(ctx, ContextKeyOwnerId, ownerId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSyncRunIdInContext(ctx context.Context, runId string) context.Context {
	return appctx.Set(ctx, ContextKeySyncRunId, runId)
}

// SkipOwnerScope marks ctx for maintenance queries that span every owner.
func SkipOwnerScope(ctx context.Context) context.Context {
	return appctx.Set(ctx, ContextKeySkipOwnerScope, true)
}
