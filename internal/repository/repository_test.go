package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bitguard/marginguard/internal/vault"
	"github.com/bitguard/marginguard/pkg/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	// one named in-memory database per test so rows never leak across tests
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
	return db
}

func seedPolicy(t *testing.T, db *gorm.DB, userID uuid.UUID, enabled bool) models.ProtectionPolicy {
	t.Helper()
	policy := models.ProtectionPolicy{
		ID:                 uuid.New(),
		UserID:             userID,
		InstrumentClass:    "futures",
		Enabled:            enabled,
		MarginThresholdPct: decimal.NewFromInt(15),
		Action:             models.ActionClosePosition,
	}
	require.NoError(t, db.Create(&policy).Error)
	return policy
}

func TestPolicyRepository_FindActiveMarginGuardUserIDs(t *testing.T) {
	db := testDB(t)
	repo := NewPolicyRepository(db)
	ctx := context.Background()

	enabled1 := uuid.New()
	enabled2 := uuid.New()
	disabled := uuid.New()
	seedPolicy(t, db, enabled1, true)
	seedPolicy(t, db, enabled2, true)
	seedPolicy(t, db, disabled, false)

	ids, err := repo.FindActiveMarginGuardUserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{enabled1, enabled2}, ids)
}

func TestPolicyRepository_GetPolicy(t *testing.T) {
	db := testDB(t)
	repo := NewPolicyRepository(db)
	ctx := context.Background()

	userID := uuid.New()
	seeded := seedPolicy(t, db, userID, true)

	policy, err := repo.GetPolicy(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.Equal(t, seeded.ID, policy.ID)
	assert.True(t, policy.MarginThresholdPct.Equal(decimal.NewFromInt(15)))

	missing, err := repo.GetPolicy(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing, "unknown user resolves to no policy, not an error")
}

func TestUserRepository_SealedCredentialsRoundTrip(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	userID := uuid.New()
	sealed := vault.SealedCredential{
		IVHex:         "0102030405060708090a0b0c",
		AuthTagHex:    "000102030405060708090a0b0c0d0e0f",
		CiphertextHex: "deadbeef",
	}
	require.NoError(t, repo.SaveSealedCredentials(ctx, userID, sealed))

	got, err := repo.GetSealedCredentials(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sealed, *got)

	missing, err := repo.GetSealedCredentials(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestExecutionLogRepository_AppendAndList(t *testing.T) {
	db := testDB(t)
	repo := NewExecutionLogRepository(db)
	ctx := context.Background()

	userID := uuid.New()
	policyID := uuid.New()
	for i := 0; i < 3; i++ {
		entry := &models.ExecutionLogEntry{
			UserID:   userID,
			PolicyID: policyID,
			TradeID:  "trade-1",
			Action:   models.ActionAddMargin,
			Status:   models.ExecutionSuccess,
			TriggerSnapshot: models.TriggerSnapshot{
				CurrentPrice: decimal.NewFromInt(97990),
				TriggerPrice: decimal.NewFromInt(98000),
			},
			DurationMs: 42,
		}
		require.NoError(t, repo.Append(ctx, entry))
		assert.NotEqual(t, uuid.Nil, entry.ID, "append assigns an ID")
	}

	entries, err := repo.ListByUser(ctx, userID, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.True(t, entries[0].TriggerSnapshot.TriggerPrice.Equal(decimal.NewFromInt(98000)),
		"snapshot survives the JSON serializer round trip")
}

func TestNotificationPreferenceRepository_ListEnabled(t *testing.T) {
	db := testDB(t)
	repo := NewNotificationPreferenceRepository(db)
	ctx := context.Background()

	userID := uuid.New()
	prefs := []NotificationPreference{
		{ID: uuid.New(), UserID: userID, Channel: "email", Enabled: true},
		{ID: uuid.New(), UserID: userID, Channel: "telegram", Enabled: true},
		{ID: uuid.New(), UserID: userID, Channel: "sms", Enabled: false},
		{ID: uuid.New(), UserID: uuid.New(), Channel: "email", Enabled: true},
	}
	for i := range prefs {
		require.NoError(t, db.Create(&prefs[i]).Error)
	}

	channels, err := repo.ListEnabled(ctx, userID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"email", "telegram"}, channels)
}
