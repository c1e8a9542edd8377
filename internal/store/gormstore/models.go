package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table.
type User struct {
	UserID         string    `gorm:"type:uuid;primaryKey"`
	AthleteID      string    `gorm:"not null;index:uniq_users_athlete,unique"`
	Balance        int64     `gorm:"not null;default:0"`
	TotalScore     int64     `gorm:"not null;default:0"`
	AccessToken    string    `gorm:"not null"`
	RefreshToken   string    `gorm:"not null"`
	TokenExpiresAt time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// Activity mirrors the activities table. Rows are immutable once created.
type Activity struct {
	ActivityID      string    `gorm:"type:uuid;primaryKey"`
	UserID          string    `gorm:"type:uuid;not null;index:idx_activities_user_started,priority:1"`
	ExternalID      string    `gorm:"not null;index:uniq_activities_external,unique"`
	Name            string    `gorm:"not null"`
	Type            string    `gorm:"not null"`
	DistanceMeters  float64   `gorm:"not null"`
	DurationSeconds int64     `gorm:"not null"`
	StartedAt       time.Time `gorm:"not null;index:idx_activities_user_started,priority:2"`
	CurrencyEarned  int64     `gorm:"not null"`
	RoutePolyline   string    `gorm:""`
	CreatedAt       time.Time `gorm:"not null"`
}

func (Activity) TableName() string { return "activities" }

// Card mirrors the read-only card catalog. Display metadata lives in a
// JSON column so catalog seeds can carry fields the engine never reads.
type Card struct {
	CardID    string         `gorm:"type:uuid;primaryKey"`
	Name      string         `gorm:"not null"`
	Sport     string         `gorm:"not null"`
	Rarity    string         `gorm:"not null;index:idx_cards_rarity"`
	BaseScore int64          `gorm:"not null"`
	Details   datatypes.JSON `gorm:"type:jsonb;not null"`
}

func (Card) TableName() string { return "cards" }

// LedgerEntry mirrors the ledger_entries table, append-only.
type LedgerEntry struct {
	EntryID       string    `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"type:uuid;not null;index:idx_ledger_user_created,priority:1"`
	Amount        int64     `gorm:"not null"`
	Reason        string    `gorm:"not null"`
	PackOpeningID *string   `gorm:"type:uuid"`
	Note          string    `gorm:""`
	CreatedAt     time.Time `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// PackOpening mirrors the pack_openings table.
type PackOpening struct {
	PackID   string    `gorm:"type:uuid;primaryKey"`
	UserID   string    `gorm:"type:uuid;not null;index:idx_packs_user_opened,priority:1"`
	Cost     int64     `gorm:"not null"`
	OpenedAt time.Time `gorm:"not null;index:idx_packs_user_opened,priority:2"`
}

func (PackOpening) TableName() string { return "pack_openings" }

// PackCard records one drawn slot of a pack opening.
type PackCard struct {
	PackOpeningID string `gorm:"type:uuid;primaryKey"`
	Slot          int    `gorm:"primaryKey"`
	CardID        string `gorm:"type:uuid;not null"`
}

func (PackCard) TableName() string { return "pack_cards" }

// UserCard mirrors the user_cards inventory table.
type UserCard struct {
	UserID     string    `gorm:"type:uuid;primaryKey"`
	CardID     string    `gorm:"type:uuid;primaryKey"`
	Quantity   int64     `gorm:"not null;default:1"`
	ObtainedAt time.Time `gorm:"not null"`
}

func (UserCard) TableName() string { return "user_cards" }

// Models lists every table for sqlite AutoMigrate.
func Models() []any {
	return []any{&User{}, &Activity{}, &Card{}, &LedgerEntry{}, &PackOpening{}, &PackCard{}, &UserCard{}}
}
