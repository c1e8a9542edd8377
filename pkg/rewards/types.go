package rewards

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UserID identifies a user of the reward economy.
type UserID struct {
	value string
}

// ExternalActivityID is the fitness-service activity id used for dedup.
type ExternalActivityID struct {
	value string
}

// CardID identifies a catalog card.
type CardID struct {
	value string
}

// PackID identifies a booster opening.
type PackID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewExternalActivityID validates and normalizes an external activity id.
func NewExternalActivityID(raw string) (ExternalActivityID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalActivityID{}, fmt.Errorf("%w: empty value", ErrInvalidActivityID)
	}
	return ExternalActivityID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ExternalActivityID) String() string {
	return id.value
}

// NewCardID validates and normalizes a card id.
func NewCardID(raw string) (CardID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CardID{}, fmt.Errorf("%w: empty value", ErrInvalidCardID)
	}
	return CardID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CardID) String() string {
	return id.value
}

// NewPackID validates and normalizes a pack id.
func NewPackID(raw string) (PackID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PackID{}, fmt.Errorf("%w: empty value", ErrInvalidPackID)
	}
	return PackID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PackID) String() string {
	return id.value
}

// Rarity partitions the card catalog into five ordered tiers.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Rarities lists the tiers from most to least common.
func Rarities() []Rarity {
	return []Rarity{RarityCommon, RarityUncommon, RarityRare, RarityEpic, RarityLegendary}
}

// ParseRarity validates a raw tier value.
func ParseRarity(raw string) (Rarity, error) {
	candidate := Rarity(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case RarityCommon, RarityUncommon, RarityRare, RarityEpic, RarityLegendary:
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRarity, raw)
}

// String returns the tier value.
func (rarity Rarity) String() string {
	return string(rarity)
}

// ActivityType is the fixed taxonomy activities classify into.
type ActivityType string

const (
	ActivityRun   ActivityType = "run"
	ActivityRide  ActivityType = "ride"
	ActivityWalk  ActivityType = "walk"
	ActivityHike  ActivityType = "hike"
	ActivityOther ActivityType = "other"
)

// String returns the taxonomy value.
func (activityType ActivityType) String() string {
	return string(activityType)
}

// Credentials is the external-service access triple stored per user.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Validate checks the triple is usable for outbound calls.
func (credentials Credentials) Validate() error {
	if strings.TrimSpace(credentials.AccessToken) == "" {
		return fmt.Errorf("%w: empty access token", ErrInvalidCredentials)
	}
	if strings.TrimSpace(credentials.RefreshToken) == "" {
		return fmt.Errorf("%w: empty refresh token", ErrInvalidCredentials)
	}
	return nil
}

// User is the economy's view of an account row.
type User struct {
	ID          UserID
	AthleteID   string
	Balance     int64
	TotalScore  int64
	Credentials Credentials
}

// Activity is an ingested activity row, immutable once created.
type Activity struct {
	ID              string
	UserID          UserID
	ExternalID      ExternalActivityID
	Name            string
	Type            ActivityType
	DistanceMeters  float64
	DurationSeconds int64
	StartedAt       time.Time
	CurrencyEarned  int64
	RoutePolyline   string
}

// ExternalActivity is one record fetched from the fitness service.
type ExternalActivity struct {
	ExternalID      string
	Name            string
	Type            string
	DistanceMeters  float64
	DurationSeconds int64
	StartedAt       time.Time
	RoutePolyline   string
}

// Card is an immutable catalog row.
type Card struct {
	ID          CardID
	Name        string
	Sport       string
	Rarity      Rarity
	BaseScore   int64
	ImageURL    string
	Description string
	Nationality string
	BirthYear   int
}

// OwnedCard pairs a catalog card with a user's holding of it.
type OwnedCard struct {
	Card       Card
	Quantity   int64
	ObtainedAt time.Time
}

// LedgerEntry is a single immutable line in the currency ledger.
type LedgerEntry struct {
	ID        string
	UserID    UserID
	Amount    int64
	Reason    ReasonTag
	PackID    *PackID
	Note      string
	CreatedAt time.Time
}

// PackOpening records one booster purchase and its drawn cards in order.
type PackOpening struct {
	ID       PackID
	UserID   UserID
	Cost     int64
	OpenedAt time.Time
	CardIDs  []CardID
}

// DrawnCard is a pack slot result with first-time ownership flagged.
type DrawnCard struct {
	Card  Card
	IsNew bool
}

// RarityCount reports owned distinct versus catalog distinct for a tier.
type RarityCount struct {
	Owned int64
	Total int64
}

// CollectionStats is the derived view over a user's inventory.
type CollectionStats struct {
	TotalCards      int64
	UniqueCards     int64
	CollectionScore int64
	RarityBreakdown map[Rarity]RarityCount
}

// SyncResult reports one ingestion run.
type SyncResult struct {
	Processed      int
	CurrencyEarned int64
	Activities     []Activity
}

// OpenResult reports one settled booster purchase.
type OpenResult struct {
	PackID         PackID
	Cost           int64
	OpenedAt       time.Time
	Cards          []DrawnCard
	UpdatedBalance int64
	UpdatedStats   CollectionStats
}

// PackHistoryEntry is one row of the booster opening history.
type PackHistoryEntry struct {
	PackID   PackID
	Cost     int64
	OpenedAt time.Time
	Cards    []Card
}

// BoosterStats aggregates a user's booster spending.
type BoosterStats struct {
	PacksOpened        int64
	TotalCurrencySpent int64
}

// Store is the persistence contract used by Service. Implementations run
// WithTx inside one store-level transaction; the txStore handed to fn must
// see and serialize on row locks taken within it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetUser(ctx context.Context, userID UserID) (User, error)
	GetUserForUpdate(ctx context.Context, userID UserID) (User, error)
	AddUserBalance(ctx context.Context, userID UserID, delta int64) error
	AddUserScore(ctx context.Context, userID UserID, delta int64) error
	UpdateCredentials(ctx context.Context, userID UserID, credentials Credentials) error

	HasActivity(ctx context.Context, externalID ExternalActivityID) (bool, error)
	InsertActivity(ctx context.Context, activity Activity) error
	ListActivities(ctx context.Context, userID UserID, limit int) ([]Activity, error)

	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error
	SumLedger(ctx context.Context, userID UserID) (int64, error)
	SumLedgerByReason(ctx context.Context, userID UserID, reason ReasonTag) (int64, error)
	ListLedgerEntries(ctx context.Context, userID UserID, limit int) ([]LedgerEntry, error)

	CardsByRarity(ctx context.Context, rarity Rarity) ([]Card, error)
	GetCards(ctx context.Context, cardIDs []CardID) ([]Card, error)
	CountCardsByRarity(ctx context.Context) (map[Rarity]int64, error)

	CreatePackOpening(ctx context.Context, opening PackOpening) error
	AddPackCards(ctx context.Context, packID PackID, cardIDs []CardID) error
	ListPackOpenings(ctx context.Context, userID UserID, limit int) ([]PackOpening, error)
	CountPackOpenings(ctx context.Context, userID UserID) (int64, error)

	UpsertInventory(ctx context.Context, userID UserID, cardID CardID, obtainedAt time.Time) (bool, error)
	ListInventory(ctx context.Context, userID UserID) ([]OwnedCard, error)
}

// ActivityFetcher pulls a window of activity records from the fitness service.
// Implementations return ErrUnauthorized when the credential is rejected.
type ActivityFetcher interface {
	FetchActivities(ctx context.Context, accessToken string, after time.Time) ([]ExternalActivity, error)
}

// CredentialRefresher exchanges a refresh token for a fresh credential triple.
// Implementations return ErrUnauthorized when the refresh token is rejected.
type CredentialRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}
