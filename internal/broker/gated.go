package broker

import (
	"context"

	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/quota"
)

// Gated puts TR and subscription calls of any Broker behind the request quota and condition
// queries behind the per-name cool-off. Orders are gated by the order pipeline.
type Gated struct {
	Broker
	limiter *quota.Limiter
}

func NewGated(b Broker, limiter *quota.Limiter) *Gated {
	return &Gated{Broker: b, limiter: limiter}
}

func (g *Gated) Request(ctx context.Context, req TRRequest) (TRResponse, error) {
	if err := g.limiter.Acquire(ctx, quota.Requests); err != nil {
		return TRResponse{}, err
	}
	return g.Broker.Request(ctx, req)
}

func (g *Gated) SubscribeCondition(ctx context.Context, screen string, c model.Condition, realtime bool) error {
	if err := g.limiter.AcquireCondition(c.Name); err != nil {
		return err
	}
	if err := g.limiter.Acquire(ctx, quota.Requests); err != nil {
		return err
	}
	return g.Broker.SubscribeCondition(ctx, screen, c, realtime)
}

func (g *Gated) SubscribeReal(ctx context.Context, screen string, symbols []string, fids string, add bool) error {
	if err := g.limiter.Acquire(ctx, quota.Requests); err != nil {
		return err
	}
	return g.Broker.SubscribeReal(ctx, screen, symbols, fids, add)
}
