package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stridecards/rewards/pkg/rewards"
)

const (
	constraintActivityExternalID = "uniq_activities_external"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectUser             = "user"
	errorSubjectActivity         = "activity"
	errorSubjectCard             = "card"
	errorSubjectLedger           = "ledger"
	errorSubjectPack             = "pack"
	errorSubjectInventory        = "inventory"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeCount               = "count"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"
	errorCodeUpsert              = "upsert"
)

// Store implements rewards.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rewards.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetUser(ctx context.Context, userID rewards.UserID) (rewards.User, error) {
	return store.getUser(ctx, userID, false)
}

// GetUserForUpdate loads the user row with a row-level write lock so
// concurrent settlements for the same user serialize on the balance.
func (store *Store) GetUserForUpdate(ctx context.Context, userID rewards.UserID) (rewards.User, error) {
	return store.getUser(ctx, userID, true)
}

func (store *Store) getUser(ctx context.Context, userID rewards.UserID, forUpdate bool) (rewards.User, error) {
	query := store.db.WithContext(ctx)
	// sqlite has no FOR UPDATE and serializes writers on its own.
	if forUpdate && store.db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model User
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rewards.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, rewards.ErrUserNotFound)
		}
		return rewards.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	user, err := mapUser(model)
	if err != nil {
		return rewards.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return user, nil
}

func (store *Store) AddUserBalance(ctx context.Context, userID rewards.UserID, delta int64) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID.String()).
		Update("balance", gorm.Expr("balance + ?", delta))
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, rewards.ErrUserNotFound)
	}
	return nil
}

func (store *Store) AddUserScore(ctx context.Context, userID rewards.UserID, delta int64) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID.String()).
		Update("total_score", gorm.Expr("total_score + ?", delta))
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, rewards.ErrUserNotFound)
	}
	return nil
}

func (store *Store) UpdateCredentials(ctx context.Context, userID rewards.UserID, credentials rewards.Credentials) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"access_token":     credentials.AccessToken,
			"refresh_token":    credentials.RefreshToken,
			"token_expires_at": credentials.ExpiresAt.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, rewards.ErrUserNotFound)
	}
	return nil
}

func (store *Store) HasActivity(ctx context.Context, externalID rewards.ExternalActivityID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Activity{}).
		Where("external_id = ?", externalID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectActivity, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) InsertActivity(ctx context.Context, activity rewards.Activity) error {
	model := Activity{
		ActivityID:      activity.ID,
		UserID:          activity.UserID.String(),
		ExternalID:      activity.ExternalID.String(),
		Name:            activity.Name,
		Type:            activity.Type.String(),
		DistanceMeters:  activity.DistanceMeters,
		DurationSeconds: activity.DurationSeconds,
		StartedAt:       activity.StartedAt.UTC(),
		CurrencyEarned:  activity.CurrencyEarned,
		RoutePolyline:   activity.RoutePolyline,
		CreatedAt:       time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintActivityExternalID) {
		return wrapStoreError(errorSubjectActivity, errorCodeDuplicate, rewards.ErrDuplicateActivity)
	}
	if err != nil {
		return wrapStoreError(errorSubjectActivity, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListActivities(ctx context.Context, userID rewards.UserID, limit int) ([]rewards.Activity, error) {
	var rows []Activity
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectActivity, errorCodeList, err)
	}
	activities := make([]rewards.Activity, 0, len(rows))
	for _, row := range rows {
		activity, err := mapActivity(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectActivity, errorCodeInvalid, err)
		}
		activities = append(activities, activity)
	}
	return activities, nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entry rewards.LedgerEntry) error {
	var packID *string
	if entry.PackID != nil {
		value := entry.PackID.String()
		packID = &value
	}
	model := LedgerEntry{
		EntryID:       entry.ID,
		UserID:        entry.UserID.String(),
		Amount:        entry.Amount,
		Reason:        entry.Reason.String(),
		PackOpeningID: packID,
		Note:          entry.Note,
		CreatedAt:     entry.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumLedger(ctx context.Context, userID rewards.UserID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) SumLedgerByReason(ctx context.Context, userID rewards.UserID, reason rewards.ReasonTag) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND reason = ?", userID.String(), reason.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, userID rewards.UserID, limit int) ([]rewards.LedgerEntry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	entries := make([]rewards.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CardsByRarity(ctx context.Context, rarity rewards.Rarity) ([]rewards.Card, error) {
	var rows []Card
	err := store.db.WithContext(ctx).
		Where("rarity = ?", rarity.String()).
		Order("card_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeList, err)
	}
	return mapCards(rows)
}

func (store *Store) GetCards(ctx context.Context, cardIDs []rewards.CardID) ([]rewards.Card, error) {
	if len(cardIDs) == 0 {
		return []rewards.Card{}, nil
	}
	values := make([]string, 0, len(cardIDs))
	for _, cardID := range cardIDs {
		values = append(values, cardID.String())
	}
	var rows []Card
	err := store.db.WithContext(ctx).Where("card_id IN ?", values).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeList, err)
	}
	byID := make(map[string]rewards.Card, len(rows))
	for _, row := range rows {
		card, err := mapCard(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCard, errorCodeInvalid, err)
		}
		byID[row.CardID] = card
	}
	// Preserve the caller's order; packs care about slot order.
	ordered := make([]rewards.Card, 0, len(cardIDs))
	for _, cardID := range cardIDs {
		card, ok := byID[cardID.String()]
		if !ok {
			return nil, wrapStoreError(errorSubjectCard, errorCodeGet, rewards.ErrCardNotFound)
		}
		ordered = append(ordered, card)
	}
	return ordered, nil
}

func (store *Store) CountCardsByRarity(ctx context.Context) (map[rewards.Rarity]int64, error) {
	var rows []struct {
		Rarity string
		Total  int64
	}
	err := store.db.WithContext(ctx).
		Model(&Card{}).
		Select("rarity, count(*) as total").
		Group("rarity").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeCount, err)
	}
	counts := make(map[rewards.Rarity]int64, len(rows))
	for _, row := range rows {
		rarity, err := rewards.ParseRarity(row.Rarity)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCard, errorCodeInvalid, err)
		}
		counts[rarity] = row.Total
	}
	return counts, nil
}

func (store *Store) CreatePackOpening(ctx context.Context, opening rewards.PackOpening) error {
	model := PackOpening{
		PackID:   opening.ID.String(),
		UserID:   opening.UserID.String(),
		Cost:     opening.Cost,
		OpenedAt: opening.OpenedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectPack, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) AddPackCards(ctx context.Context, packID rewards.PackID, cardIDs []rewards.CardID) error {
	models := make([]PackCard, 0, len(cardIDs))
	for slot, cardID := range cardIDs {
		models = append(models, PackCard{
			PackOpeningID: packID.String(),
			Slot:          slot,
			CardID:        cardID.String(),
		})
	}
	if err := store.db.WithContext(ctx).Create(&models).Error; err != nil {
		return wrapStoreError(errorSubjectPack, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListPackOpenings(ctx context.Context, userID rewards.UserID, limit int) ([]rewards.PackOpening, error) {
	var rows []PackOpening
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("opened_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPack, errorCodeList, err)
	}
	openings := make([]rewards.PackOpening, 0, len(rows))
	for _, row := range rows {
		opening, err := store.mapPackOpening(ctx, row)
		if err != nil {
			return nil, err
		}
		openings = append(openings, opening)
	}
	return openings, nil
}

func (store *Store) mapPackOpening(ctx context.Context, row PackOpening) (rewards.PackOpening, error) {
	packID, err := rewards.NewPackID(row.PackID)
	if err != nil {
		return rewards.PackOpening{}, wrapStoreError(errorSubjectPack, errorCodeInvalid, err)
	}
	userID, err := rewards.NewUserID(row.UserID)
	if err != nil {
		return rewards.PackOpening{}, wrapStoreError(errorSubjectPack, errorCodeInvalid, err)
	}
	var slots []PackCard
	err = store.db.WithContext(ctx).
		Where("pack_opening_id = ?", row.PackID).
		Order("slot").
		Find(&slots).Error
	if err != nil {
		return rewards.PackOpening{}, wrapStoreError(errorSubjectPack, errorCodeList, err)
	}
	cardIDs := make([]rewards.CardID, 0, len(slots))
	for _, slot := range slots {
		cardID, err := rewards.NewCardID(slot.CardID)
		if err != nil {
			return rewards.PackOpening{}, wrapStoreError(errorSubjectPack, errorCodeInvalid, err)
		}
		cardIDs = append(cardIDs, cardID)
	}
	return rewards.PackOpening{
		ID:       packID,
		UserID:   userID,
		Cost:     row.Cost,
		OpenedAt: row.OpenedAt,
		CardIDs:  cardIDs,
	}, nil
}

func (store *Store) CountPackOpenings(ctx context.Context, userID rewards.UserID) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PackOpening{}).
		Where("user_id = ?", userID.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectPack, errorCodeCount, err)
	}
	return count, nil
}

// UpsertInventory reads the holding under the transaction's user lock to
// report first-time ownership, then applies a single conditional write:
// insert guarded by the (user, card) primary key with an atomic increment
// on conflict.
func (store *Store) UpsertInventory(ctx context.Context, userID rewards.UserID, cardID rewards.CardID, obtainedAt time.Time) (bool, error) {
	var existing int64
	err := store.db.WithContext(ctx).
		Model(&UserCard{}).
		Where("user_id = ? AND card_id = ?", userID.String(), cardID.String()).
		Count(&existing).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectInventory, errorCodeGet, err)
	}
	model := UserCard{
		UserID:     userID.String(),
		CardID:     cardID.String(),
		Quantity:   1,
		ObtainedAt: obtainedAt.UTC(),
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "card_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"quantity": gorm.Expr("user_cards.quantity + 1")}),
		}).
		Create(&model).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectInventory, errorCodeUpsert, err)
	}
	return existing == 0, nil
}

func (store *Store) ListInventory(ctx context.Context, userID rewards.UserID) ([]rewards.OwnedCard, error) {
	var rows []struct {
		Card
		Quantity   int64
		ObtainedAt time.Time
	}
	err := store.db.WithContext(ctx).
		Model(&UserCard{}).
		Select("cards.*, user_cards.quantity, user_cards.obtained_at").
		Joins("join cards on cards.card_id = user_cards.card_id").
		Where("user_cards.user_id = ?", userID.String()).
		Order("cards.card_id").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectInventory, errorCodeList, err)
	}
	owned := make([]rewards.OwnedCard, 0, len(rows))
	for _, row := range rows {
		card, err := mapCard(row.Card)
		if err != nil {
			return nil, wrapStoreError(errorSubjectInventory, errorCodeInvalid, err)
		}
		owned = append(owned, rewards.OwnedCard{
			Card:       card,
			Quantity:   row.Quantity,
			ObtainedAt: row.ObtainedAt,
		})
	}
	return owned, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return rewards.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

// cardDetails is the display metadata blob stored per catalog row.
type cardDetails struct {
	ImageURL    string `json:"image_url,omitempty"`
	Description string `json:"description,omitempty"`
	Nationality string `json:"nationality,omitempty"`
	BirthYear   int    `json:"birth_year,omitempty"`
}

func mapUser(row User) (rewards.User, error) {
	userID, err := rewards.NewUserID(row.UserID)
	if err != nil {
		return rewards.User{}, err
	}
	return rewards.User{
		ID:         userID,
		AthleteID:  row.AthleteID,
		Balance:    row.Balance,
		TotalScore: row.TotalScore,
		Credentials: rewards.Credentials{
			AccessToken:  row.AccessToken,
			RefreshToken: row.RefreshToken,
			ExpiresAt:    row.TokenExpiresAt,
		},
	}, nil
}

func mapActivity(row Activity) (rewards.Activity, error) {
	userID, err := rewards.NewUserID(row.UserID)
	if err != nil {
		return rewards.Activity{}, err
	}
	externalID, err := rewards.NewExternalActivityID(row.ExternalID)
	if err != nil {
		return rewards.Activity{}, err
	}
	return rewards.Activity{
		ID:              row.ActivityID,
		UserID:          userID,
		ExternalID:      externalID,
		Name:            row.Name,
		Type:            rewards.ActivityType(row.Type),
		DistanceMeters:  row.DistanceMeters,
		DurationSeconds: row.DurationSeconds,
		StartedAt:       row.StartedAt,
		CurrencyEarned:  row.CurrencyEarned,
		RoutePolyline:   row.RoutePolyline,
	}, nil
}

func mapCard(row Card) (rewards.Card, error) {
	cardID, err := rewards.NewCardID(row.CardID)
	if err != nil {
		return rewards.Card{}, err
	}
	rarity, err := rewards.ParseRarity(row.Rarity)
	if err != nil {
		return rewards.Card{}, err
	}
	var details cardDetails
	if len(row.Details) > 0 {
		if err := json.Unmarshal(row.Details, &details); err != nil {
			return rewards.Card{}, err
		}
	}
	return rewards.Card{
		ID:          cardID,
		Name:        row.Name,
		Sport:       row.Sport,
		Rarity:      rarity,
		BaseScore:   row.BaseScore,
		ImageURL:    details.ImageURL,
		Description: details.Description,
		Nationality: details.Nationality,
		BirthYear:   details.BirthYear,
	}, nil
}

func mapCards(rows []Card) ([]rewards.Card, error) {
	cards := make([]rewards.Card, 0, len(rows))
	for _, row := range rows {
		card, err := mapCard(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCard, errorCodeInvalid, err)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func mapLedgerEntry(row LedgerEntry) (rewards.LedgerEntry, error) {
	userID, err := rewards.NewUserID(row.UserID)
	if err != nil {
		return rewards.LedgerEntry{}, err
	}
	var packID *rewards.PackID
	if row.PackOpeningID != nil {
		parsed, err := rewards.NewPackID(*row.PackOpeningID)
		if err != nil {
			return rewards.LedgerEntry{}, err
		}
		packID = &parsed
	}
	return rewards.LedgerEntry{
		ID:        row.EntryID,
		UserID:    userID,
		Amount:    row.Amount,
		Reason:    rewards.ReasonTag(row.Reason),
		PackID:    packID,
		Note:      row.Note,
		CreatedAt: row.CreatedAt,
	}, nil
}

// CardDetailsJSON marshals display metadata for seeding and tests.
func CardDetailsJSON(imageURL string, description string, nationality string, birthYear int) datatypes.JSON {
	raw, err := json.Marshal(cardDetails{
		ImageURL:    imageURL,
		Description: description,
		Nationality: nationality,
		BirthYear:   birthYear,
	})
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
