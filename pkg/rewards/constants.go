package rewards

import "time"

const (
	// BoosterCost is the fixed price of one booster pack.
	BoosterCost int64 = 100
	// CardsPerPack is the number of cards drawn per booster.
	CardsPerPack = 4
	// CommonSlots is how many guaranteed-common slots open each pack.
	CommonSlots = 3

	// CoinsPerKilometer is the base currency rate before type multipliers.
	CoinsPerKilometer = 10.0

	// RefreshSkew is how long before expiry a credential refresh is forced.
	RefreshSkew = 5 * time.Minute

	// DefaultSyncWindow is the lookback used when the caller does not pick one.
	DefaultSyncWindow = 30 * 24 * time.Hour

	operationSync  = "sync_activities"
	operationOpen  = "open_booster"
	operationStats = "collection_stats"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

// ReasonTag labels a ledger entry with the event that produced it.
type ReasonTag string

const (
	ReasonEarnedActivity ReasonTag = "earned_activity"
	ReasonSpentBooster   ReasonTag = "spent_booster"
)

// String returns the tag value.
func (tag ReasonTag) String() string {
	return string(tag)
}
