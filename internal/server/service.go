package server

import (
	"context"

	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/service"
)

// Service is the fee service surface the transports depend on.
type Service interface {
	CreateFeeRule(ctx context.Context, rule core.FeeRule) (core.FeeRule, error)
	UpdateFeeRule(ctx context.Context, rule core.FeeRule) (core.FeeRule, error)
	GetFeeRule(ctx context.Context, id string) (core.FeeRule, error)
	ListFeeRules(ctx context.Context) ([]core.FeeRule, error)
	DeleteFeeRule(ctx context.Context, id string) error
	Calculate(ctx context.Context, reqCtx core.RequestContext) (service.Quote, error)
}

var _ Service = (*service.Service)(nil)
