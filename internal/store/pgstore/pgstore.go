// Package pgstore implements rewards.Store directly on pgx for deployments
// that want the raw-SQL path instead of GORM.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stridecards/rewards/pkg/rewards"
)

const (
	constraintActivityExternalID = "uniq_activities_external"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectUser             = "user"
	errorSubjectActivity         = "activity"
	errorSubjectCard             = "card"
	errorSubjectLedger           = "ledger"
	errorSubjectPack             = "pack"
	errorSubjectInventory        = "inventory"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
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

	sqlSelectUser = `
		select user_id, athlete_id, balance, total_score, access_token, refresh_token, token_expires_at
		from users where user_id = $1
	`

	sqlSelectUserForUpdate = sqlSelectUser + ` for update`

	sqlAddUserBalance = `update users set balance = balance + $2 where user_id = $1`

	sqlAddUserScore = `update users set total_score = total_score + $2 where user_id = $1`

	sqlUpdateCredentials = `
		update users set access_token = $2, refresh_token = $3, token_expires_at = $4
		where user_id = $1
	`

	sqlHasActivity = `select exists(select 1 from activities where external_id = $1)`

	sqlInsertActivity = `
		insert into activities(
			activity_id, user_id, external_id, name, type, distance_meters,
			duration_seconds, started_at, currency_earned, route_polyline, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
	`

	sqlListActivities = `
		select activity_id, user_id, external_id, name, type, distance_meters,
			duration_seconds, started_at, currency_earned, coalesce(route_polyline,'')
		from activities
		where user_id = $1
		order by started_at desc
		limit $2
	`

	sqlInsertLedgerEntry = `
		insert into ledger_entries(entry_id, user_id, amount, reason, pack_opening_id, note, created_at)
		values($1, $2, $3, $4, nullif($5,''), $6, $7)
	`

	sqlSumLedger = `select coalesce(sum(amount),0) from ledger_entries where user_id = $1`

	sqlSumLedgerByReason = `
		select coalesce(sum(amount),0) from ledger_entries
		where user_id = $1 and reason = $2
	`

	sqlListLedgerEntries = `
		select entry_id, user_id, amount, reason, coalesce(pack_opening_id::text,''), coalesce(note,''), created_at
		from ledger_entries
		where user_id = $1
		order by created_at desc
		limit $2
	`

	sqlCardColumns = `
		card_id, name, sport, rarity, base_score,
		coalesce(details->>'image_url',''),
		coalesce(details->>'description',''),
		coalesce(details->>'nationality',''),
		coalesce((details->>'birth_year')::int, 0)
	`

	sqlCardsByRarity = `
		select ` + sqlCardColumns + ` from cards where rarity = $1 order by card_id
	`

	sqlCardsByIDs = `
		select ` + sqlCardColumns + ` from cards where card_id = any($1)
	`

	sqlCountCardsByRarity = `select rarity, count(*) from cards group by rarity`

	sqlInsertPackOpening = `
		insert into pack_openings(pack_id, user_id, cost, opened_at)
		values($1, $2, $3, $4)
	`

	sqlInsertPackCard = `
		insert into pack_cards(pack_opening_id, slot, card_id) values($1, $2, $3)
	`

	sqlListPackOpenings = `
		select pack_id, user_id, cost, opened_at
		from pack_openings
		where user_id = $1
		order by opened_at desc
		limit $2
	`

	sqlListPackCards = `
		select card_id from pack_cards where pack_opening_id = $1 order by slot
	`

	sqlCountPackOpenings = `select count(*) from pack_openings where user_id = $1`

	sqlInventoryExists = `select exists(select 1 from user_cards where user_id = $1 and card_id = $2)`

	sqlUpsertInventory = `
		insert into user_cards(user_id, card_id, quantity, obtained_at)
		values($1, $2, 1, $3)
		on conflict (user_id, card_id) do update set quantity = user_cards.quantity + 1
	`

	sqlListInventory = `
		select ` + sqlCardColumns + `, user_cards.quantity, user_cards.obtained_at
		from user_cards
		join cards on cards.card_id = user_cards.card_id
		where user_cards.user_id = $1
		order by cards.card_id
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements rewards.Store on a pgx pool; inside WithTx every call
// runs on the transaction instead.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rewards.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{pool: store.pool, q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetUser(ctx context.Context, userID rewards.UserID) (rewards.User, error) {
	return store.scanUser(store.q.QueryRow(ctx, sqlSelectUser, userID.String()))
}

func (store *Store) GetUserForUpdate(ctx context.Context, userID rewards.UserID) (rewards.User, error) {
	return store.scanUser(store.q.QueryRow(ctx, sqlSelectUserForUpdate, userID.String()))
}

func (store *Store) scanUser(row pgx.Row) (rewards.User, error) {
	var (
		userValue    string
		athleteID    string
		balance      int64
		totalScore   int64
		accessToken  string
		refreshToken string
		expiresAt    time.Time
	)
	err := row.Scan(&userValue, &athleteID, &balance, &totalScore, &accessToken, &refreshToken, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rewards.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, rewards.ErrUserNotFound)
		}
		return rewards.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	userID, err := rewards.NewUserID(userValue)
	if err != nil {
		return rewards.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return rewards.User{
		ID:         userID,
		AthleteID:  athleteID,
		Balance:    balance,
		TotalScore: totalScore,
		Credentials: rewards.Credentials{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    expiresAt,
		},
	}, nil
}

func (store *Store) AddUserBalance(ctx context.Context, userID rewards.UserID, delta int64) error {
	return store.execUserUpdate(ctx, sqlAddUserBalance, userID, delta)
}

func (store *Store) AddUserScore(ctx context.Context, userID rewards.UserID, delta int64) error {
	return store.execUserUpdate(ctx, sqlAddUserScore, userID, delta)
}

func (store *Store) execUserUpdate(ctx context.Context, sql string, userID rewards.UserID, delta int64) error {
	tag, err := store.q.Exec(ctx, sql, userID.String(), delta)
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, rewards.ErrUserNotFound)
	}
	return nil
}

func (store *Store) UpdateCredentials(ctx context.Context, userID rewards.UserID, credentials rewards.Credentials) error {
	tag, err := store.q.Exec(ctx, sqlUpdateCredentials,
		userID.String(),
		credentials.AccessToken,
		credentials.RefreshToken,
		credentials.ExpiresAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, rewards.ErrUserNotFound)
	}
	return nil
}

func (store *Store) HasActivity(ctx context.Context, externalID rewards.ExternalActivityID) (bool, error) {
	var exists bool
	if err := store.q.QueryRow(ctx, sqlHasActivity, externalID.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectActivity, errorCodeGet, err)
	}
	return exists, nil
}

func (store *Store) InsertActivity(ctx context.Context, activity rewards.Activity) error {
	_, err := store.q.Exec(ctx, sqlInsertActivity,
		activity.ID,
		activity.UserID.String(),
		activity.ExternalID.String(),
		activity.Name,
		activity.Type.String(),
		activity.DistanceMeters,
		activity.DurationSeconds,
		activity.StartedAt.UTC(),
		activity.CurrencyEarned,
		activity.RoutePolyline,
	)
	if isUniqueViolation(err, constraintActivityExternalID) {
		return wrapStoreError(errorSubjectActivity, errorCodeDuplicate, rewards.ErrDuplicateActivity)
	}
	if err != nil {
		return wrapStoreError(errorSubjectActivity, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListActivities(ctx context.Context, userID rewards.UserID, limit int) ([]rewards.Activity, error) {
	rows, err := store.q.Query(ctx, sqlListActivities, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectActivity, errorCodeList, err)
	}
	defer rows.Close()

	activities := make([]rewards.Activity, 0)
	for rows.Next() {
		var (
			activityID    string
			userValue     string
			externalValue string
			name          string
			typeValue     string
			distance      float64
			duration      int64
			startedAt     time.Time
			earned        int64
			polyline      string
		)
		err := rows.Scan(&activityID, &userValue, &externalValue, &name, &typeValue,
			&distance, &duration, &startedAt, &earned, &polyline)
		if err != nil {
			return nil, wrapStoreError(errorSubjectActivity, errorCodeList, err)
		}
		ownerID, err := rewards.NewUserID(userValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectActivity, errorCodeInvalid, err)
		}
		externalID, err := rewards.NewExternalActivityID(externalValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectActivity, errorCodeInvalid, err)
		}
		activities = append(activities, rewards.Activity{
			ID:              activityID,
			UserID:          ownerID,
			ExternalID:      externalID,
			Name:            name,
			Type:            rewards.ActivityType(typeValue),
			DistanceMeters:  distance,
			DurationSeconds: duration,
			StartedAt:       startedAt,
			CurrencyEarned:  earned,
			RoutePolyline:   polyline,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectActivity, errorCodeList, err)
	}
	return activities, nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entry rewards.LedgerEntry) error {
	packID := ""
	if entry.PackID != nil {
		packID = entry.PackID.String()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := store.q.Exec(ctx, sqlInsertLedgerEntry,
		entry.ID,
		entry.UserID.String(),
		entry.Amount,
		entry.Reason.String(),
		packID,
		entry.Note,
		createdAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumLedger(ctx context.Context, userID rewards.UserID) (int64, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumLedger, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) SumLedgerByReason(ctx context.Context, userID rewards.UserID, reason rewards.ReasonTag) (int64, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumLedgerByReason, userID.String(), reason.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, userID rewards.UserID, limit int) ([]rewards.LedgerEntry, error) {
	rows, err := store.q.Query(ctx, sqlListLedgerEntries, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	defer rows.Close()

	entries := make([]rewards.LedgerEntry, 0)
	for rows.Next() {
		var (
			entryID   string
			userValue string
			amount    int64
			reason    string
			packValue string
			note      string
			createdAt time.Time
		)
		if err := rows.Scan(&entryID, &userValue, &amount, &reason, &packValue, &note, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
		}
		ownerID, err := rewards.NewUserID(userValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
		}
		var packID *rewards.PackID
		if packValue != "" {
			parsed, err := rewards.NewPackID(packValue)
			if err != nil {
				return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
			}
			packID = &parsed
		}
		entries = append(entries, rewards.LedgerEntry{
			ID:        entryID,
			UserID:    ownerID,
			Amount:    amount,
			Reason:    rewards.ReasonTag(reason),
			PackID:    packID,
			Note:      note,
			CreatedAt: createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) CardsByRarity(ctx context.Context, rarity rewards.Rarity) ([]rewards.Card, error) {
	rows, err := store.q.Query(ctx, sqlCardsByRarity, rarity.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeList, err)
	}
	defer rows.Close()
	return scanCards(rows)
}

func (store *Store) GetCards(ctx context.Context, cardIDs []rewards.CardID) ([]rewards.Card, error) {
	if len(cardIDs) == 0 {
		return []rewards.Card{}, nil
	}
	values := make([]string, 0, len(cardIDs))
	for _, cardID := range cardIDs {
		values = append(values, cardID.String())
	}
	rows, err := store.q.Query(ctx, sqlCardsByIDs, values)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeList, err)
	}
	defer rows.Close()
	cards, err := scanCards(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]rewards.Card, len(cards))
	for _, card := range cards {
		byID[card.ID.String()] = card
	}
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
	rows, err := store.q.Query(ctx, sqlCountCardsByRarity)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeCount, err)
	}
	defer rows.Close()

	counts := make(map[rewards.Rarity]int64)
	for rows.Next() {
		var (
			rarityValue string
			total       int64
		)
		if err := rows.Scan(&rarityValue, &total); err != nil {
			return nil, wrapStoreError(errorSubjectCard, errorCodeCount, err)
		}
		rarity, err := rewards.ParseRarity(rarityValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCard, errorCodeInvalid, err)
		}
		counts[rarity] = total
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeCount, err)
	}
	return counts, nil
}

func (store *Store) CreatePackOpening(ctx context.Context, opening rewards.PackOpening) error {
	_, err := store.q.Exec(ctx, sqlInsertPackOpening,
		opening.ID.String(),
		opening.UserID.String(),
		opening.Cost,
		opening.OpenedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectPack, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) AddPackCards(ctx context.Context, packID rewards.PackID, cardIDs []rewards.CardID) error {
	for slot, cardID := range cardIDs {
		if _, err := store.q.Exec(ctx, sqlInsertPackCard, packID.String(), slot, cardID.String()); err != nil {
			return wrapStoreError(errorSubjectPack, errorCodeInsert, err)
		}
	}
	return nil
}

func (store *Store) ListPackOpenings(ctx context.Context, userID rewards.UserID, limit int) ([]rewards.PackOpening, error) {
	rows, err := store.q.Query(ctx, sqlListPackOpenings, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPack, errorCodeList, err)
	}
	openings := make([]rewards.PackOpening, 0)
	for rows.Next() {
		var (
			packValue string
			userValue string
			cost      int64
			openedAt  time.Time
		)
		if err := rows.Scan(&packValue, &userValue, &cost, &openedAt); err != nil {
			rows.Close()
			return nil, wrapStoreError(errorSubjectPack, errorCodeList, err)
		}
		packID, err := rewards.NewPackID(packValue)
		if err != nil {
			rows.Close()
			return nil, wrapStoreError(errorSubjectPack, errorCodeInvalid, err)
		}
		ownerID, err := rewards.NewUserID(userValue)
		if err != nil {
			rows.Close()
			return nil, wrapStoreError(errorSubjectPack, errorCodeInvalid, err)
		}
		openings = append(openings, rewards.PackOpening{
			ID:       packID,
			UserID:   ownerID,
			Cost:     cost,
			OpenedAt: openedAt,
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapStoreError(errorSubjectPack, errorCodeList, err)
	}
	rows.Close()

	for index := range openings {
		cardIDs, err := store.listPackCards(ctx, openings[index].ID)
		if err != nil {
			return nil, err
		}
		openings[index].CardIDs = cardIDs
	}
	return openings, nil
}

func (store *Store) listPackCards(ctx context.Context, packID rewards.PackID) ([]rewards.CardID, error) {
	rows, err := store.q.Query(ctx, sqlListPackCards, packID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectPack, errorCodeList, err)
	}
	defer rows.Close()

	cardIDs := make([]rewards.CardID, 0, rewards.CardsPerPack)
	for rows.Next() {
		var cardValue string
		if err := rows.Scan(&cardValue); err != nil {
			return nil, wrapStoreError(errorSubjectPack, errorCodeList, err)
		}
		cardID, err := rewards.NewCardID(cardValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPack, errorCodeInvalid, err)
		}
		cardIDs = append(cardIDs, cardID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPack, errorCodeList, err)
	}
	return cardIDs, nil
}

func (store *Store) CountPackOpenings(ctx context.Context, userID rewards.UserID) (int64, error) {
	var count int64
	if err := store.q.QueryRow(ctx, sqlCountPackOpenings, userID.String()).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectPack, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) UpsertInventory(ctx context.Context, userID rewards.UserID, cardID rewards.CardID, obtainedAt time.Time) (bool, error) {
	var exists bool
	if err := store.q.QueryRow(ctx, sqlInventoryExists, userID.String(), cardID.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectInventory, errorCodeGet, err)
	}
	_, err := store.q.Exec(ctx, sqlUpsertInventory, userID.String(), cardID.String(), obtainedAt.UTC())
	if err != nil {
		return false, wrapStoreError(errorSubjectInventory, errorCodeUpsert, err)
	}
	return !exists, nil
}

func (store *Store) ListInventory(ctx context.Context, userID rewards.UserID) ([]rewards.OwnedCard, error) {
	rows, err := store.q.Query(ctx, sqlListInventory, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectInventory, errorCodeList, err)
	}
	defer rows.Close()

	owned := make([]rewards.OwnedCard, 0)
	for rows.Next() {
		var (
			quantity   int64
			obtainedAt time.Time
		)
		card, err := scanCard(rows, &quantity, &obtainedAt)
		if err != nil {
			return nil, err
		}
		owned = append(owned, rewards.OwnedCard{Card: card, Quantity: quantity, ObtainedAt: obtainedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectInventory, errorCodeList, err)
	}
	return owned, nil
}

func scanCards(rows pgx.Rows) ([]rewards.Card, error) {
	cards := make([]rewards.Card, 0)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeList, err)
	}
	return cards, nil
}

func scanCard(rows pgx.Rows, extra ...any) (rewards.Card, error) {
	var (
		cardValue   string
		name        string
		sport       string
		rarityValue string
		baseScore   int64
		imageURL    string
		description string
		nationality string
		birthYear   int
	)
	targets := []any{&cardValue, &name, &sport, &rarityValue, &baseScore, &imageURL, &description, &nationality, &birthYear}
	targets = append(targets, extra...)
	if err := rows.Scan(targets...); err != nil {
		return rewards.Card{}, wrapStoreError(errorSubjectCard, errorCodeList, err)
	}
	cardID, err := rewards.NewCardID(cardValue)
	if err != nil {
		return rewards.Card{}, wrapStoreError(errorSubjectCard, errorCodeInvalid, err)
	}
	rarity, err := rewards.ParseRarity(rarityValue)
	if err != nil {
		return rewards.Card{}, wrapStoreError(errorSubjectCard, errorCodeInvalid, err)
	}
	return rewards.Card{
		ID:          cardID,
		Name:        name,
		Sport:       sport,
		Rarity:      rarity,
		BaseScore:   baseScore,
		ImageURL:    imageURL,
		Description: description,
		Nationality: nationality,
		BirthYear:   birthYear,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return rewards.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
