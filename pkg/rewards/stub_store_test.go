package rewards

import (
	"context"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store for service tests. WithTx serializes on a
// mutex and rolls the whole state back when fn fails, mirroring the
// transactional stores.
type stubStore struct {
	mu sync.Mutex

	user      User
	hasUser   bool
	catalog   map[Rarity][]Card
	activity  map[string]Activity
	ledger    []LedgerEntry
	packs     []PackOpening
	packCards map[string][]CardID
	inventory map[string]*inventoryRow

	getUserError         error
	insertActivityError  error
	insertLedgerError    error
	addBalanceError      error
	addScoreError        error
	createPackError      error
	addPackCardsError    error
	upsertInventoryError error
	updateCredsError     error
	listInventoryError   error
}

type inventoryRow struct {
	cardID     CardID
	quantity   int64
	obtainedAt time.Time
}

func newStubStore(test *testing.T, balance int64) *stubStore {
	test.Helper()
	store := &stubStore{
		catalog:   make(map[Rarity][]Card),
		activity:  make(map[string]Activity),
		packCards: make(map[string][]CardID),
		inventory: make(map[string]*inventoryRow),
	}
	store.user = User{
		ID:        mustUserID(test, stubUserIDValue),
		AthleteID: "athlete-1",
		Balance:   balance,
		Credentials: Credentials{
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
			ExpiresAt:    stubClockTime.Add(time.Hour),
		},
	}
	store.hasUser = true
	for _, rarity := range Rarities() {
		store.catalog[rarity] = []Card{stubCard(test, rarity, 0)}
	}
	return store
}

func stubCard(test *testing.T, rarity Rarity, index int) Card {
	test.Helper()
	scores := map[Rarity]int64{
		RarityCommon:    1,
		RarityUncommon:  3,
		RarityRare:      8,
		RarityEpic:      20,
		RarityLegendary: 50,
	}
	return Card{
		ID:        mustCardID(test, string(rarity)+"-card-"+string(rune('a'+index))),
		Name:      string(rarity) + " card",
		Sport:     "running",
		Rarity:    rarity,
		BaseScore: scores[rarity],
	}
}

type stubSnapshot struct {
	user      User
	activity  map[string]Activity
	ledger    []LedgerEntry
	packs     []PackOpening
	packCards map[string][]CardID
	inventory map[string]*inventoryRow
}

func (store *stubStore) snapshot() stubSnapshot {
	snap := stubSnapshot{
		user:      store.user,
		activity:  make(map[string]Activity, len(store.activity)),
		ledger:    append([]LedgerEntry(nil), store.ledger...),
		packs:     append([]PackOpening(nil), store.packs...),
		packCards: make(map[string][]CardID, len(store.packCards)),
		inventory: make(map[string]*inventoryRow, len(store.inventory)),
	}
	for key, value := range store.activity {
		snap.activity[key] = value
	}
	for key, value := range store.packCards {
		snap.packCards[key] = append([]CardID(nil), value...)
	}
	for key, value := range store.inventory {
		row := *value
		snap.inventory[key] = &row
	}
	return snap
}

func (store *stubStore) restore(snap stubSnapshot) {
	store.user = snap.user
	store.activity = snap.activity
	store.ledger = snap.ledger
	store.packs = snap.packs
	store.packCards = snap.packCards
	store.inventory = snap.inventory
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snap := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snap)
		return err
	}
	return nil
}

func (store *stubStore) GetUser(ctx context.Context, userID UserID) (User, error) {
	if store.getUserError != nil {
		return User{}, store.getUserError
	}
	if !store.hasUser || store.user.ID != userID {
		return User{}, ErrUserNotFound
	}
	return store.user, nil
}

func (store *stubStore) GetUserForUpdate(ctx context.Context, userID UserID) (User, error) {
	return store.GetUser(ctx, userID)
}

func (store *stubStore) AddUserBalance(ctx context.Context, userID UserID, delta int64) error {
	if store.addBalanceError != nil {
		return store.addBalanceError
	}
	if !store.hasUser || store.user.ID != userID {
		return ErrUserNotFound
	}
	store.user.Balance += delta
	return nil
}

func (store *stubStore) AddUserScore(ctx context.Context, userID UserID, delta int64) error {
	if store.addScoreError != nil {
		return store.addScoreError
	}
	if !store.hasUser || store.user.ID != userID {
		return ErrUserNotFound
	}
	store.user.TotalScore += delta
	return nil
}

func (store *stubStore) UpdateCredentials(ctx context.Context, userID UserID, credentials Credentials) error {
	if store.updateCredsError != nil {
		return store.updateCredsError
	}
	if !store.hasUser || store.user.ID != userID {
		return ErrUserNotFound
	}
	store.user.Credentials = credentials
	return nil
}

func (store *stubStore) HasActivity(ctx context.Context, externalID ExternalActivityID) (bool, error) {
	_, seen := store.activity[externalID.String()]
	return seen, nil
}

func (store *stubStore) InsertActivity(ctx context.Context, activity Activity) error {
	if store.insertActivityError != nil {
		return store.insertActivityError
	}
	if _, seen := store.activity[activity.ExternalID.String()]; seen {
		return ErrDuplicateActivity
	}
	store.activity[activity.ExternalID.String()] = activity
	return nil
}

func (store *stubStore) ListActivities(ctx context.Context, userID UserID, limit int) ([]Activity, error) {
	activities := make([]Activity, 0, len(store.activity))
	for _, activity := range store.activity {
		activities = append(activities, activity)
	}
	if len(activities) > limit {
		activities = activities[:limit]
	}
	return activities, nil
}

func (store *stubStore) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	if store.insertLedgerError != nil {
		return store.insertLedgerError
	}
	store.ledger = append(store.ledger, entry)
	return nil
}

func (store *stubStore) SumLedger(ctx context.Context, userID UserID) (int64, error) {
	var sum int64
	for _, entry := range store.ledger {
		sum += entry.Amount
	}
	return sum, nil
}

func (store *stubStore) SumLedgerByReason(ctx context.Context, userID UserID, reason ReasonTag) (int64, error) {
	var sum int64
	for _, entry := range store.ledger {
		if entry.Reason == reason {
			sum += entry.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) ListLedgerEntries(ctx context.Context, userID UserID, limit int) ([]LedgerEntry, error) {
	entries := append([]LedgerEntry(nil), store.ledger...)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *stubStore) CardsByRarity(ctx context.Context, rarity Rarity) ([]Card, error) {
	return append([]Card(nil), store.catalog[rarity]...), nil
}

func (store *stubStore) GetCards(ctx context.Context, cardIDs []CardID) ([]Card, error) {
	byID := make(map[string]Card)
	for _, pool := range store.catalog {
		for _, card := range pool {
			byID[card.ID.String()] = card
		}
	}
	cards := make([]Card, 0, len(cardIDs))
	for _, cardID := range cardIDs {
		card, ok := byID[cardID.String()]
		if !ok {
			return nil, ErrCardNotFound
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func (store *stubStore) CountCardsByRarity(ctx context.Context) (map[Rarity]int64, error) {
	counts := make(map[Rarity]int64, len(store.catalog))
	for rarity, pool := range store.catalog {
		counts[rarity] = int64(len(pool))
	}
	return counts, nil
}

func (store *stubStore) CreatePackOpening(ctx context.Context, opening PackOpening) error {
	if store.createPackError != nil {
		return store.createPackError
	}
	store.packs = append(store.packs, opening)
	return nil
}

func (store *stubStore) AddPackCards(ctx context.Context, packID PackID, cardIDs []CardID) error {
	if store.addPackCardsError != nil {
		return store.addPackCardsError
	}
	store.packCards[packID.String()] = append([]CardID(nil), cardIDs...)
	return nil
}

func (store *stubStore) ListPackOpenings(ctx context.Context, userID UserID, limit int) ([]PackOpening, error) {
	openings := make([]PackOpening, 0, len(store.packs))
	for _, opening := range store.packs {
		opening.CardIDs = append([]CardID(nil), store.packCards[opening.ID.String()]...)
		openings = append(openings, opening)
	}
	if len(openings) > limit {
		openings = openings[:limit]
	}
	return openings, nil
}

func (store *stubStore) CountPackOpenings(ctx context.Context, userID UserID) (int64, error) {
	return int64(len(store.packs)), nil
}

func (store *stubStore) UpsertInventory(ctx context.Context, userID UserID, cardID CardID, obtainedAt time.Time) (bool, error) {
	if store.upsertInventoryError != nil {
		return false, store.upsertInventoryError
	}
	row, exists := store.inventory[cardID.String()]
	if exists {
		row.quantity++
		return false, nil
	}
	store.inventory[cardID.String()] = &inventoryRow{cardID: cardID, quantity: 1, obtainedAt: obtainedAt}
	return true, nil
}

func (store *stubStore) ListInventory(ctx context.Context, userID UserID) ([]OwnedCard, error) {
	if store.listInventoryError != nil {
		return nil, store.listInventoryError
	}
	byID := make(map[string]Card)
	for _, pool := range store.catalog {
		for _, card := range pool {
			byID[card.ID.String()] = card
		}
	}
	owned := make([]OwnedCard, 0, len(store.inventory))
	for key, row := range store.inventory {
		owned = append(owned, OwnedCard{
			Card:       byID[key],
			Quantity:   row.quantity,
			ObtainedAt: row.obtainedAt,
		})
	}
	return owned, nil
}
