package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the reward economy's domain logic over a Store.
type Service struct {
	store       Store
	fitness     ActivityFetcher
	credentials *CredentialCoordinator
	draw        *DrawEngine
	nowFn       func() time.Time
	logger      OperationLogger
	events      EventSink
}

// NewService wires a Service.
func NewService(store Store, fitness ActivityFetcher, credentials *CredentialCoordinator, draw *DrawEngine, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if fitness == nil {
		return nil, fmt.Errorf("%w: fitness client dependency is nil", ErrInvalidServiceConfig)
	}
	if credentials == nil {
		return nil, fmt.Errorf("%w: credential coordinator dependency is nil", ErrInvalidServiceConfig)
	}
	if draw == nil {
		return nil, fmt.Errorf("%w: draw engine dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		fitness:     fitness,
		credentials: credentials,
		draw:        draw,
		nowFn:       now,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// SyncActivities pulls the user's recent external activities, persists the
// ones not seen before, and credits the earned currency in one batch. The
// fetch (including any credential refresh) completes before the store
// transaction opens so no row lock is held across network I/O.
func (service *Service) SyncActivities(ctx context.Context, userID UserID, window time.Duration) (SyncResult, error) {
	if window <= 0 {
		window = DefaultSyncWindow
	}

	user, err := service.store.GetUser(ctx, userID)
	if err != nil {
		service.logSync(ctx, userID, SyncResult{}, err)
		return SyncResult{}, err
	}

	after := service.nowFn().Add(-window)
	var fetched []ExternalActivity
	err = service.credentials.Execute(ctx, user, func(callCtx context.Context, accessToken string) error {
		records, fetchErr := service.fitness.FetchActivities(callCtx, accessToken, after)
		if fetchErr != nil {
			return fetchErr
		}
		fetched = records
		return nil
	})
	if err != nil {
		service.logSync(ctx, userID, SyncResult{}, err)
		return SyncResult{}, err
	}

	var result SyncResult
	err = service.store.WithTx(ctx, func(txCtx context.Context, txStore Store) error {
		batch, txErr := service.ingestBatch(txCtx, txStore, userID, fetched)
		if txErr != nil {
			return txErr
		}
		result = batch
		return nil
	})
	service.logSync(ctx, userID, result, err)
	if err != nil {
		return SyncResult{}, err
	}
	if service.events != nil && result.Processed > 0 {
		service.events.ActivitiesSynced(ctx, userID, result)
	}
	return result, nil
}

// ingestBatch persists unseen activities and applies the single batch
// credit. Either every new row and the credit commit together or none do.
func (service *Service) ingestBatch(ctx context.Context, txStore Store, userID UserID, fetched []ExternalActivity) (SyncResult, error) {
	result := SyncResult{Activities: []Activity{}}
	for _, record := range fetched {
		externalID, err := NewExternalActivityID(record.ExternalID)
		if err != nil {
			return SyncResult{}, err
		}
		seen, err := txStore.HasActivity(ctx, externalID)
		if err != nil {
			return SyncResult{}, err
		}
		if seen {
			continue
		}
		activity := Activity{
			ID:              uuid.NewString(),
			UserID:          userID,
			ExternalID:      externalID,
			Name:            record.Name,
			Type:            ClassifyActivityType(record.Type),
			DistanceMeters:  record.DistanceMeters,
			DurationSeconds: record.DurationSeconds,
			StartedAt:       record.StartedAt,
			CurrencyEarned:  CurrencyForActivity(record.DistanceMeters, record.Type),
			RoutePolyline:   record.RoutePolyline,
		}
		if err := txStore.InsertActivity(ctx, activity); err != nil {
			return SyncResult{}, err
		}
		result.Processed++
		result.CurrencyEarned += activity.CurrencyEarned
		result.Activities = append(result.Activities, activity)
	}

	if result.CurrencyEarned > 0 {
		entry := LedgerEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			Amount:    result.CurrencyEarned,
			Reason:    ReasonEarnedActivity,
			Note:      fmt.Sprintf("earned from %d activities", result.Processed),
			CreatedAt: service.nowFn(),
		}
		if err := txStore.InsertLedgerEntry(ctx, entry); err != nil {
			return SyncResult{}, err
		}
		if err := txStore.AddUserBalance(ctx, userID, result.CurrencyEarned); err != nil {
			return SyncResult{}, err
		}
	}
	return result, nil
}

// OpenBoosterPack settles one booster purchase: debit, opening record,
// ledger line, draw, draw persistence, inventory upsert, read-back. All
// steps run in a single transaction with the user's row locked so
// concurrent opens serialize on the balance.
func (service *Service) OpenBoosterPack(ctx context.Context, userID UserID) (OpenResult, error) {
	var result OpenResult
	operationError := service.store.WithTx(ctx, func(txCtx context.Context, txStore Store) error {
		user, err := txStore.GetUserForUpdate(txCtx, userID)
		if err != nil {
			return err
		}
		if user.Balance < BoosterCost {
			return ErrInsufficientCurrency
		}

		if err := txStore.AddUserBalance(txCtx, userID, -BoosterCost); err != nil {
			return err
		}

		packID, err := NewPackID(uuid.NewString())
		if err != nil {
			return err
		}
		openedAt := service.nowFn()
		opening := PackOpening{
			ID:       packID,
			UserID:   userID,
			Cost:     BoosterCost,
			OpenedAt: openedAt,
		}
		if err := txStore.CreatePackOpening(txCtx, opening); err != nil {
			return err
		}

		entry := LedgerEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			Amount:    -BoosterCost,
			Reason:    ReasonSpentBooster,
			PackID:    &packID,
			Note:      fmt.Sprintf("opened booster pack %s", packID),
			CreatedAt: openedAt,
		}
		if err := txStore.InsertLedgerEntry(txCtx, entry); err != nil {
			return err
		}

		cards, err := service.draw.DrawPack(txCtx, txStore)
		if err != nil {
			return err
		}
		cardIDs := make([]CardID, 0, len(cards))
		for _, card := range cards {
			cardIDs = append(cardIDs, card.ID)
		}
		if err := txStore.AddPackCards(txCtx, packID, cardIDs); err != nil {
			return err
		}

		drawn := make([]DrawnCard, 0, len(cards))
		var scoreDelta int64
		for _, card := range cards {
			isNew, err := txStore.UpsertInventory(txCtx, userID, card.ID, openedAt)
			if err != nil {
				return err
			}
			drawn = append(drawn, DrawnCard{Card: card, IsNew: isNew})
			scoreDelta += card.BaseScore
		}
		if err := txStore.AddUserScore(txCtx, userID, scoreDelta); err != nil {
			return err
		}

		stats, err := service.collectionStats(txCtx, txStore, userID)
		if err != nil {
			return err
		}
		result = OpenResult{
			PackID:         packID,
			Cost:           BoosterCost,
			OpenedAt:       openedAt,
			Cards:          drawn,
			UpdatedBalance: user.Balance - BoosterCost,
			UpdatedStats:   stats,
		}
		return nil
	})
	service.logOpen(ctx, userID, result, operationError)
	if operationError != nil {
		return OpenResult{}, operationError
	}
	if service.events != nil {
		service.events.PackOpened(ctx, userID, result)
	}
	return result, nil
}

// CollectionStats recomputes the user's aggregate collection view from the
// inventory. Pure read.
func (service *Service) CollectionStats(ctx context.Context, userID UserID) (CollectionStats, error) {
	if _, err := service.store.GetUser(ctx, userID); err != nil {
		return CollectionStats{}, err
	}
	stats, err := service.collectionStats(ctx, service.store, userID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationStats, UserID: userID, Error: err})
		return CollectionStats{}, err
	}
	return stats, nil
}

func (service *Service) collectionStats(ctx context.Context, store Store, userID UserID) (CollectionStats, error) {
	owned, err := store.ListInventory(ctx, userID)
	if err != nil {
		return CollectionStats{}, err
	}
	catalogCounts, err := store.CountCardsByRarity(ctx)
	if err != nil {
		return CollectionStats{}, err
	}

	stats := CollectionStats{RarityBreakdown: make(map[Rarity]RarityCount, len(Rarities()))}
	ownedByRarity := make(map[Rarity]int64)
	for _, entry := range owned {
		stats.TotalCards += entry.Quantity
		stats.UniqueCards++
		stats.CollectionScore += entry.Quantity * entry.Card.BaseScore
		ownedByRarity[entry.Card.Rarity]++
	}
	for _, rarity := range Rarities() {
		stats.RarityBreakdown[rarity] = RarityCount{
			Owned: ownedByRarity[rarity],
			Total: catalogCounts[rarity],
		}
	}
	return stats, nil
}

// Balance reports the user's current currency balance.
func (service *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	user, err := service.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// ListActivities returns the user's most recent ingested activities.
func (service *Service) ListActivities(ctx context.Context, userID UserID, limit int) ([]Activity, error) {
	return service.store.ListActivities(ctx, userID, normalizeLimit(limit))
}

// ListLedger returns the user's most recent ledger entries.
func (service *Service) ListLedger(ctx context.Context, userID UserID, limit int) ([]LedgerEntry, error) {
	return service.store.ListLedgerEntries(ctx, userID, normalizeLimit(limit))
}

// PackHistory returns the user's most recent booster openings with the
// cards each one contained.
func (service *Service) PackHistory(ctx context.Context, userID UserID, limit int) ([]PackHistoryEntry, error) {
	openings, err := service.store.ListPackOpenings(ctx, userID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	history := make([]PackHistoryEntry, 0, len(openings))
	for _, opening := range openings {
		cards, err := service.store.GetCards(ctx, opening.CardIDs)
		if err != nil {
			return nil, err
		}
		history = append(history, PackHistoryEntry{
			PackID:   opening.ID,
			Cost:     opening.Cost,
			OpenedAt: opening.OpenedAt,
			Cards:    cards,
		})
	}
	return history, nil
}

// BoosterStats aggregates the user's booster spending.
func (service *Service) BoosterStats(ctx context.Context, userID UserID) (BoosterStats, error) {
	opened, err := service.store.CountPackOpenings(ctx, userID)
	if err != nil {
		return BoosterStats{}, err
	}
	spent, err := service.store.SumLedgerByReason(ctx, userID, ReasonSpentBooster)
	if err != nil {
		return BoosterStats{}, err
	}
	if spent < 0 {
		spent = -spent
	}
	return BoosterStats{PacksOpened: opened, TotalCurrencySpent: spent}, nil
}

func (service *Service) logSync(ctx context.Context, userID UserID, result SyncResult, err error) {
	service.logOperation(ctx, OperationLog{
		Operation: operationSync,
		UserID:    userID,
		Amount:    result.CurrencyEarned,
		Processed: result.Processed,
		Error:     err,
	})
}

func (service *Service) logOpen(ctx context.Context, userID UserID, result OpenResult, err error) {
	entry := OperationLog{
		Operation: operationOpen,
		UserID:    userID,
		Amount:    -BoosterCost,
		Error:     err,
	}
	if err == nil {
		packRef := result.PackID
		entry.PackID = &packRef
	}
	service.logOperation(ctx, entry)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
