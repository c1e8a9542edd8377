// Package observability exposes the engine's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	activitiesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "ingestion",
		Name:      "activities_ingested_total",
		Help:      "Activities accepted into the ledger, duplicates excluded.",
	})
	currencyEarned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "ingestion",
		Name:      "currency_earned_total",
		Help:      "Currency credited for ingested activities.",
	})
	packsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "boosters",
		Name:      "packs_opened_total",
		Help:      "Booster packs settled successfully.",
	})
	currencySpent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "boosters",
		Name:      "currency_spent_total",
		Help:      "Currency debited for booster purchases.",
	})
	cardsDrawn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "boosters",
		Name:      "cards_drawn_total",
		Help:      "Cards drawn from booster packs by rarity tier.",
	}, []string{"rarity"})
)

func init() {
	prometheus.MustRegister(
		activitiesIngested,
		currencyEarned,
		packsOpened,
		currencySpent,
		cardsDrawn,
	)
}

// RecordSync counts one completed ingestion run.
func RecordSync(processed int, earned int64) {
	activitiesIngested.Add(float64(processed))
	currencyEarned.Add(float64(earned))
}

// RecordPackOpened counts one settled booster purchase.
func RecordPackOpened(cost int64, rarities []string) {
	packsOpened.Inc()
	currencySpent.Add(float64(cost))
	for _, rarity := range rarities {
		cardsDrawn.WithLabelValues(rarity).Inc()
	}
}
