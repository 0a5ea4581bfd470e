// Package repository provides the ORM-backed collaborators the margin
// guard consumes: protection policies, sealed exchange credentials, the
// execution audit log, and notification preferences.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bitguard/marginguard/internal/vault"
	"github.com/bitguard/marginguard/pkg/models"
)

// ExchangeCredential is the at-rest sealed credential row.
type ExchangeCredential struct {
	UserID        uuid.UUID `gorm:"primaryKey;type:uuid"`
	IVHex         string
	AuthTagHex    string
	CiphertextHex string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NotificationPreference is one enabled delivery channel for a user.
type NotificationPreference struct {
	ID        uuid.UUID `gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID `gorm:"type:uuid;index"`
	Channel   string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Migrate creates the tables the margin guard owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ProtectionPolicy{},
		&models.ExecutionLogEntry{},
		&ExchangeCredential{},
		&NotificationPreference{},
	)
}

// PolicyRepository reads protection policies.
type PolicyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository creates a PolicyRepository.
func NewPolicyRepository(db *gorm.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// FindActiveMarginGuardUserIDs returns the distinct users with an
// enabled policy.
func (r *PolicyRepository) FindActiveMarginGuardUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	var userIDs []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.ProtectionPolicy{}).
		Where("enabled = ?", true).
		Distinct("user_id").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}

// GetPolicy returns a user's policy, or nil when none exists.
func (r *PolicyRepository) GetPolicy(ctx context.Context, userID uuid.UUID) (*models.ProtectionPolicy, error) {
	var policy models.ProtectionPolicy
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &policy, nil
}

// UserRepository reads sealed exchange credentials.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a UserRepository.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetSealedCredentials returns a user's sealed credentials, or nil when
// none are stored.
func (r *UserRepository) GetSealedCredentials(ctx context.Context, userID uuid.UUID) (*vault.SealedCredential, error) {
	var row ExchangeCredential
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &vault.SealedCredential{
		IVHex:         row.IVHex,
		AuthTagHex:    row.AuthTagHex,
		CiphertextHex: row.CiphertextHex,
	}, nil
}

// SaveSealedCredentials upserts a user's sealed credentials.
func (r *UserRepository) SaveSealedCredentials(ctx context.Context, userID uuid.UUID, sealed vault.SealedCredential) error {
	row := ExchangeCredential{
		UserID:        userID,
		IVHex:         sealed.IVHex,
		AuthTagHex:    sealed.AuthTagHex,
		CiphertextHex: sealed.CiphertextHex,
	}
	return r.db.WithContext(ctx).Save(&row).Error
}

// ExecutionLogRepository appends and reads the audit log.
type ExecutionLogRepository struct {
	db *gorm.DB
}

// NewExecutionLogRepository creates an ExecutionLogRepository.
func NewExecutionLogRepository(db *gorm.DB) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db}
}

// Append writes one audit record. Records are never mutated afterwards.
func (r *ExecutionLogRepository) Append(ctx context.Context, entry *models.ExecutionLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListByUser returns a user's newest audit records.
func (r *ExecutionLogRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.ExecutionLogEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// NotificationPreferenceRepository reads enabled delivery channels.
type NotificationPreferenceRepository struct {
	db *gorm.DB
}

// NewNotificationPreferenceRepository creates a
// NotificationPreferenceRepository.
func NewNotificationPreferenceRepository(db *gorm.DB) *NotificationPreferenceRepository {
	return &NotificationPreferenceRepository{db: db}
}

// ListEnabled returns the channels a user has enabled.
func (r *NotificationPreferenceRepository) ListEnabled(ctx context.Context, userID uuid.UUID) ([]string, error) {
	var channels []string
	err := r.db.WithContext(ctx).
		Model(&NotificationPreference{}).
		Where("user_id = ? AND enabled = ?", userID, true).
		Pluck("channel", &channels).Error
	return channels, err
}
