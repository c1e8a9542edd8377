package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/stridecards/rewards/pkg/rewards"
)

const testUserIDValue = "2b6c9d8e-0000-4000-8000-000000000001"

var testObtainedAt = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/rewards.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	return New(db)
}

func seedUser(test *testing.T, store *Store, balance int64) rewards.UserID {
	test.Helper()
	model := User{
		UserID:         testUserIDValue,
		AthleteID:      "athlete-1",
		Balance:        balance,
		AccessToken:    "access-token",
		RefreshToken:   "refresh-token",
		TokenExpiresAt: testObtainedAt.Add(time.Hour),
		CreatedAt:      testObtainedAt,
	}
	if err := store.db.Create(&model).Error; err != nil {
		test.Fatalf("seed user: %v", err)
	}
	return mustUserID(test, testUserIDValue)
}

func seedCard(test *testing.T, store *Store, cardID string, rarity rewards.Rarity, baseScore int64) rewards.CardID {
	test.Helper()
	model := Card{
		CardID:    cardID,
		Name:      "card " + cardID,
		Sport:     "running",
		Rarity:    rarity.String(),
		BaseScore: baseScore,
		Details:   CardDetailsJSON("https://img.example/"+cardID, "", "", 0),
	}
	if err := store.db.Create(&model).Error; err != nil {
		test.Fatalf("seed card: %v", err)
	}
	return mustCardID(test, cardID)
}

func mustUserID(test *testing.T, raw string) rewards.UserID {
	test.Helper()
	value, err := rewards.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustCardID(test *testing.T, raw string) rewards.CardID {
	test.Helper()
	value, err := rewards.NewCardID(raw)
	if err != nil {
		test.Fatalf("card id: %v", err)
	}
	return value
}

func sampleActivity(userID rewards.UserID, externalValue string) rewards.Activity {
	externalID, _ := rewards.NewExternalActivityID(externalValue)
	return rewards.Activity{
		ID:              "activity-" + externalValue,
		UserID:          userID,
		ExternalID:      externalID,
		Name:            "Morning Run",
		Type:            rewards.ActivityRun,
		DistanceMeters:  10000,
		DurationSeconds: 3000,
		StartedAt:       testObtainedAt.Add(-time.Hour),
		CurrencyEarned:  200,
	}
}

func TestInsertActivityDeduplicatesByExternalID(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := seedUser(test, store, 0)
	ctx := context.Background()

	if err := store.InsertActivity(ctx, sampleActivity(userID, "ext-1")); err != nil {
		test.Fatalf("insert: %v", err)
	}
	duplicate := sampleActivity(userID, "ext-1")
	duplicate.ID = "activity-other"
	err := store.InsertActivity(ctx, duplicate)
	if !errors.Is(err, rewards.ErrDuplicateActivity) {
		test.Fatalf("expected %v, got %v", rewards.ErrDuplicateActivity, err)
	}

	seen, err := store.HasActivity(ctx, duplicate.ExternalID)
	if err != nil {
		test.Fatalf("has activity: %v", err)
	}
	if !seen {
		test.Fatalf("expected activity to be recorded")
	}
}

func TestUpsertInventoryReportsFirstOwnership(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := seedUser(test, store, 0)
	cardID := seedCard(test, store, "card-1", rewards.RarityCommon, 1)
	ctx := context.Background()

	isNew, err := store.UpsertInventory(ctx, userID, cardID, testObtainedAt)
	if err != nil {
		test.Fatalf("first upsert: %v", err)
	}
	if !isNew {
		test.Fatalf("expected first upsert to be new")
	}
	isNew, err = store.UpsertInventory(ctx, userID, cardID, testObtainedAt.Add(time.Minute))
	if err != nil {
		test.Fatalf("second upsert: %v", err)
	}
	if isNew {
		test.Fatalf("expected repeat upsert to increment")
	}

	owned, err := store.ListInventory(ctx, userID)
	if err != nil {
		test.Fatalf("list inventory: %v", err)
	}
	if len(owned) != 1 {
		test.Fatalf("expected one holding, got %d", len(owned))
	}
	if owned[0].Quantity != 2 {
		test.Fatalf("expected quantity 2, got %d", owned[0].Quantity)
	}
	if owned[0].Card.ImageURL != "https://img.example/card-1" {
		test.Fatalf("expected details round trip, got %q", owned[0].Card.ImageURL)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := seedUser(test, store, 100)
	ctx := context.Background()

	failure := errors.New("forced failure")
	err := store.WithTx(ctx, func(txCtx context.Context, txStore rewards.Store) error {
		if err := txStore.AddUserBalance(txCtx, userID, -rewards.BoosterCost); err != nil {
			return err
		}
		if err := txStore.InsertLedgerEntry(txCtx, rewards.LedgerEntry{
			ID:        "entry-1",
			UserID:    userID,
			Amount:    -rewards.BoosterCost,
			Reason:    rewards.ReasonSpentBooster,
			CreatedAt: testObtainedAt,
		}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		test.Fatalf("expected forced failure, got %v", err)
	}

	user, err := store.GetUser(ctx, userID)
	if err != nil {
		test.Fatalf("get user: %v", err)
	}
	if user.Balance != 100 {
		test.Fatalf("expected balance restored to 100, got %d", user.Balance)
	}
	sum, err := store.SumLedger(ctx, userID)
	if err != nil {
		test.Fatalf("sum ledger: %v", err)
	}
	if sum != 0 {
		test.Fatalf("expected empty ledger after rollback, got %d", sum)
	}
}

func TestAddUserBalanceUnknownUser(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()

	err := store.AddUserBalance(ctx, mustUserID(test, "missing"), 10)
	if !errors.Is(err, rewards.ErrUserNotFound) {
		test.Fatalf("expected %v, got %v", rewards.ErrUserNotFound, err)
	}
}

func TestUpdateCredentialsPersistsTriple(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := seedUser(test, store, 0)
	ctx := context.Background()

	refreshed := rewards.Credentials{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    testObtainedAt.Add(6 * time.Hour),
	}
	if err := store.UpdateCredentials(ctx, userID, refreshed); err != nil {
		test.Fatalf("update credentials: %v", err)
	}
	user, err := store.GetUser(ctx, userID)
	if err != nil {
		test.Fatalf("get user: %v", err)
	}
	if user.Credentials.AccessToken != "new-access" || user.Credentials.RefreshToken != "new-refresh" {
		test.Fatalf("unexpected credentials: %+v", user.Credentials)
	}
}

func TestGetCardsPreservesSlotOrder(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	first := seedCard(test, store, "card-b", rewards.RarityCommon, 1)
	second := seedCard(test, store, "card-a", rewards.RarityLegendary, 50)

	cards, err := store.GetCards(ctx, []rewards.CardID{first, second, first})
	if err != nil {
		test.Fatalf("get cards: %v", err)
	}
	if len(cards) != 3 {
		test.Fatalf("expected 3 cards, got %d", len(cards))
	}
	if cards[0].ID != first || cards[1].ID != second || cards[2].ID != first {
		test.Fatalf("expected caller order preserved, got %v", cards)
	}
}

func TestLedgerSumsByReason(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := seedUser(test, store, 0)
	ctx := context.Background()

	entries := []rewards.LedgerEntry{
		{ID: "entry-1", UserID: userID, Amount: 250, Reason: rewards.ReasonEarnedActivity, CreatedAt: testObtainedAt},
		{ID: "entry-2", UserID: userID, Amount: -100, Reason: rewards.ReasonSpentBooster, CreatedAt: testObtainedAt.Add(time.Minute)},
	}
	for _, entry := range entries {
		if err := store.InsertLedgerEntry(ctx, entry); err != nil {
			test.Fatalf("insert entry: %v", err)
		}
	}

	total, err := store.SumLedger(ctx, userID)
	if err != nil {
		test.Fatalf("sum ledger: %v", err)
	}
	if total != 150 {
		test.Fatalf("expected 150, got %d", total)
	}
	spent, err := store.SumLedgerByReason(ctx, userID, rewards.ReasonSpentBooster)
	if err != nil {
		test.Fatalf("sum by reason: %v", err)
	}
	if spent != -100 {
		test.Fatalf("expected -100, got %d", spent)
	}
}

func TestListPackOpeningsIncludesSlots(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := seedUser(test, store, 0)
	cardID := seedCard(test, store, "card-1", rewards.RarityCommon, 1)
	ctx := context.Background()

	packID, err := rewards.NewPackID("pack-1")
	if err != nil {
		test.Fatalf("pack id: %v", err)
	}
	opening := rewards.PackOpening{
		ID:       packID,
		UserID:   userID,
		Cost:     100,
		OpenedAt: testObtainedAt,
	}
	if err := store.CreatePackOpening(ctx, opening); err != nil {
		test.Fatalf("create opening: %v", err)
	}
	if err := store.AddPackCards(ctx, packID, []rewards.CardID{cardID, cardID, cardID, cardID}); err != nil {
		test.Fatalf("add pack cards: %v", err)
	}

	openings, err := store.ListPackOpenings(ctx, userID, 10)
	if err != nil {
		test.Fatalf("list openings: %v", err)
	}
	if len(openings) != 1 {
		test.Fatalf("expected one opening, got %d", len(openings))
	}
	if len(openings[0].CardIDs) != 4 {
		test.Fatalf("expected 4 slots, got %d", len(openings[0].CardIDs))
	}
	count, err := store.CountPackOpenings(ctx, userID)
	if err != nil {
		test.Fatalf("count openings: %v", err)
	}
	if count != 1 {
		test.Fatalf("expected count 1, got %d", count)
	}
}
