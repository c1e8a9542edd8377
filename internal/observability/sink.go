package observability

import (
	"context"

	"github.com/stridecards/rewards/pkg/rewards"
)

// MetricsSink translates committed reward events into Prometheus counters.
type MetricsSink struct{}

// NewMetricsSink returns a sink suitable for rewards.WithEventSink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

func (sink *MetricsSink) ActivitiesSynced(_ context.Context, _ rewards.UserID, result rewards.SyncResult) {
	RecordSync(result.Processed, result.CurrencyEarned)
}

func (sink *MetricsSink) PackOpened(_ context.Context, _ rewards.UserID, result rewards.OpenResult) {
	rarities := make([]string, 0, len(result.Cards))
	for _, drawn := range result.Cards {
		rarities = append(rarities, drawn.Card.Rarity.String())
	}
	RecordPackOpened(result.Cost, rarities)
}
