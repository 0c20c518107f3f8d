package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/books_ledger/appctx"
)

var (
	ContextKeyInstitutionId = appctx.ContextKeyInstitutionId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId

	ContextKeySkipTenantScope = appctx.ContextKeySkipTenantScope
)

func GetInstitutionIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyInstitutionId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetInstitutionIdInContext(ctx context.Context, institutionId string) context.Context {
	return appctx.Set(ctx, ContextKeyInstitutionId, institutionId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSkipTenantScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipTenantScope, skip)
}
