package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopetree"
)

type instrumentedGateway struct {
	name string
	next scopetree.Gateway
	m    *Metrics
}

// InstrumentGateway wraps gw so every call is counted and timed under name.
func (m *Metrics) InstrumentGateway(name string, gw scopetree.Gateway) scopetree.Gateway {
	return &instrumentedGateway{name: name, next: gw, m: m}
}

func (g *instrumentedGateway) observe(op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, scopetree.ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	g.m.GatewayCalls.WithLabelValues(g.name, op, outcome).Inc()
	g.m.GatewayDuration.WithLabelValues(g.name, op).Observe(time.Since(start).Seconds())
}

func (g *instrumentedGateway) FetchNodesByIDs(ctx context.Context, ids []string) ([]scopetree.Node, error) {
	start := time.Now()
	g.m.GatewayBatchSize.WithLabelValues(g.name).Observe(float64(len(ids)))
	nodes, err := g.next.FetchNodesByIDs(ctx, ids)
	g.observe("nodes", start, err)
	return nodes, err
}

func (g *instrumentedGateway) FetchChildren(ctx context.Context, parentID string) ([]scopetree.Node, error) {
	start := time.Now()
	nodes, err := g.next.FetchChildren(ctx, parentID)
	g.observe("children", start, err)
	return nodes, err
}

func (g *instrumentedGateway) Search(ctx context.Context, query string, page int) (*scopetree.SearchResult, error) {
	start := time.Now()
	res, err := g.next.Search(ctx, query, page)
	outcome := err
	if err == nil && res != nil && res.Cancelled {
		outcome = scopetree.ErrCancelled
	}
	g.observe("search", start, outcome)
	return res, err
}
