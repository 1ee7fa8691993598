package warden

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateCase_Sequential(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
		require.NoError(t, err)
		assert.Equal(t, i, caseNumber)
	}

	// a second guild gets its own sequence
	caseNumber, err := ledger.AllocateCase(ctx, "guild-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), caseNumber)
}

func TestAllocateCase_CreatesGuildConfig(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	_, err := ledger.AllocateCase(ctx, "guild-new")
	require.NoError(t, err)

	var config GuildConfig
	require.NoError(
		t,
		db.DB().Where("guild_id = ?", "guild-new").Take(&config).Error,
	)
	assert.Equal(t, DefaultCommandPrefix, config.Prefix)
	assert.Equal(t, int64(1), config.CaseCounter)
}

func TestAllocateCase_Concurrent(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	const allocations = 25

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]int{}

	for i := 0; i < allocations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
			assert.NoError(t, err)
			mu.Lock()
			seen[caseNumber]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// exactly 1..N, no duplicates, no gaps
	require.Len(t, seen, allocations)
	for i := int64(1); i <= allocations; i++ {
		assert.Equal(t, 1, seen[i], "case number %d", i)
	}
}

func TestAllocateCase_MissingGuild(t *testing.T) {
	t.Parallel()
	ledger := NewCaseLedger(testDatabase(t), testLogger(t))

	_, err := ledger.AllocateCase(context.Background(), "")
	require.Error(t, err)
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestCreateCase_RoundTrip(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
	require.NoError(t, err)

	rec := &ModerationCase{
		GuildID:           "guild-a",
		CaseNumber:        caseNumber,
		Kind:              ActionWarn,
		UserID:            "user-1",
		Username:          "somebody",
		ModeratorID:       "mod-1",
		ModeratorUsername: "moderator",
		Reason:            "spamming",
		DMSent:            true,
	}
	require.NoError(t, ledger.CreateCase(ctx, rec))

	got, err := ledger.GetCase(ctx, "guild-a", caseNumber)
	require.NoError(t, err)
	assert.Equal(t, rec.GuildID, got.GuildID)
	assert.Equal(t, rec.CaseNumber, got.CaseNumber)
	assert.Equal(t, ActionWarn, got.Kind)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "mod-1", got.ModeratorID)
	assert.Equal(t, "spamming", got.Reason)
	assert.True(t, got.DMSent)
	assert.NotZero(t, got.CreatedAt)
}

func TestCreateCase_Conflict(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
	require.NoError(t, err)

	first := &ModerationCase{
		GuildID:     "guild-a",
		CaseNumber:  caseNumber,
		Kind:        ActionWarn,
		UserID:      "user-1",
		ModeratorID: "mod-1",
	}
	require.NoError(t, ledger.CreateCase(ctx, first))

	dup := &ModerationCase{
		GuildID:     "guild-a",
		CaseNumber:  caseNumber,
		Kind:        ActionKick,
		UserID:      "user-2",
		ModeratorID: "mod-1",
	}
	err = ledger.CreateCase(ctx, dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaseConflict)
}

func TestCreateCase_Validation(t *testing.T) {
	t.Parallel()
	ledger := NewCaseLedger(testDatabase(t), testLogger(t))
	ctx := context.Background()

	testCases := []struct {
		name string
		rec  *ModerationCase
	}{
		{
			name: "missing guild",
			rec:  &ModerationCase{CaseNumber: 1, Kind: ActionWarn},
		},
		{
			name: "zero case number",
			rec:  &ModerationCase{GuildID: "guild-a", Kind: ActionWarn},
		},
		{
			name: "unknown kind",
			rec: &ModerationCase{
				GuildID:    "guild-a",
				CaseNumber: 1,
				Kind:       ActionKind("yeet"),
			},
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				err := ledger.CreateCase(ctx, tc.rec)
				require.Error(t, err)
				var validationErr *ValidationError
				assert.ErrorAs(t, err, &validationErr)
			},
		)
	}
}

func TestGetCase_NotFound(t *testing.T) {
	t.Parallel()
	ledger := NewCaseLedger(testDatabase(t), testLogger(t))

	_, err := ledger.GetCase(context.Background(), "guild-a", 99)
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestPatchReason(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
	require.NoError(t, err)
	require.NoError(
		t, ledger.CreateCase(
			ctx, &ModerationCase{
				GuildID:     "guild-a",
				CaseNumber:  caseNumber,
				Kind:        ActionWarn,
				UserID:      "user-1",
				ModeratorID: "mod-1",
				Reason:      "original",
			},
		),
	)

	updated, err := ledger.PatchReason(ctx, "guild-a", caseNumber, "amended")
	require.NoError(t, err)
	assert.Equal(t, "amended", updated.Reason)

	got, err := ledger.GetCase(ctx, "guild-a", caseNumber)
	require.NoError(t, err)
	assert.Equal(t, "amended", got.Reason)
}

func TestPatchReason_NotFound(t *testing.T) {
	t.Parallel()
	ledger := NewCaseLedger(testDatabase(t), testLogger(t))

	_, err := ledger.PatchReason(context.Background(), "guild-a", 1, "nope")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestPatchDuration(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
	require.NoError(t, err)
	require.NoError(
		t, ledger.CreateCase(
			ctx, &ModerationCase{
				GuildID:     "guild-a",
				CaseNumber:  caseNumber,
				Kind:        ActionMute,
				UserID:      "user-1",
				ModeratorID: "mod-1",
				Duration:    &Duration{Duration: time.Hour},
				ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
			},
		),
	)

	newExpiry := time.Now().Add(2 * time.Hour).UnixMilli()
	updated, err := ledger.PatchDuration(
		ctx,
		"guild-a",
		caseNumber,
		Duration{Duration: 2 * time.Hour},
		newExpiry,
	)
	require.NoError(t, err)
	require.NotNil(t, updated.Duration)
	assert.Equal(t, 2*time.Hour, updated.Duration.Duration)
	assert.Equal(t, newExpiry, updated.ExpiresAt)
}

func TestSetLogMessage(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
	require.NoError(t, err)
	require.NoError(
		t, ledger.CreateCase(
			ctx, &ModerationCase{
				GuildID:     "guild-a",
				CaseNumber:  caseNumber,
				Kind:        ActionBan,
				UserID:      "user-1",
				ModeratorID: "mod-1",
			},
		),
	)

	updated, err := ledger.SetLogMessage(
		ctx, "guild-a", caseNumber, "channel-1", "message-1",
	)
	require.NoError(t, err)
	assert.Equal(t, "channel-1", updated.LogChannelID)
	assert.Equal(t, "message-1", updated.LogMessageID)
}

func TestCasesForUser(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	kinds := []ActionKind{ActionWarn, ActionWarn, ActionMute, ActionKick}
	for _, kind := range kinds {
		caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
		require.NoError(t, err)
		rec := &ModerationCase{
			GuildID:     "guild-a",
			CaseNumber:  caseNumber,
			Kind:        kind,
			UserID:      "user-1",
			ModeratorID: "mod-1",
		}
		if kind == ActionMute {
			rec.Duration = &Duration{Duration: time.Hour}
		}
		require.NoError(t, ledger.CreateCase(ctx, rec))
	}

	// case against a different user shouldn't show up
	caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
	require.NoError(t, err)
	require.NoError(
		t, ledger.CreateCase(
			ctx, &ModerationCase{
				GuildID:     "guild-a",
				CaseNumber:  caseNumber,
				Kind:        ActionWarn,
				UserID:      "user-2",
				ModeratorID: "mod-1",
			},
		),
	)

	all, err := ledger.CasesForUser(ctx, "guild-a", "user-1")
	require.NoError(t, err)
	require.Len(t, all, 4)
	// most recent first
	assert.Equal(t, int64(4), all[0].CaseNumber)
	assert.Equal(t, int64(1), all[3].CaseNumber)

	warns, err := ledger.CasesForUser(ctx, "guild-a", "user-1", ActionWarn)
	require.NoError(t, err)
	require.Len(t, warns, 2)
	for _, rec := range warns {
		assert.Equal(t, ActionWarn, rec.Kind)
	}
}

func TestCasesByModerator(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
		require.NoError(t, err)
		require.NoError(
			t, ledger.CreateCase(
				ctx, &ModerationCase{
					GuildID:     "guild-a",
					CaseNumber:  caseNumber,
					Kind:        ActionWarn,
					UserID:      "user-1",
					ModeratorID: "mod-1",
				},
			),
		)
	}

	since := time.Now().Add(-time.Minute).UnixMilli()
	cases, err := ledger.CasesByModerator(ctx, "guild-a", "mod-1", since)
	require.NoError(t, err)
	assert.Len(t, cases, 3)

	cases, err = ledger.CasesByModerator(ctx, "guild-a", "mod-2", since)
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestGuildCases_Pagination(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)
	ledger := NewCaseLedger(db, testLogger(t))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		caseNumber, err := ledger.AllocateCase(ctx, "guild-a")
		require.NoError(t, err)
		require.NoError(
			t, ledger.CreateCase(
				ctx, &ModerationCase{
					GuildID:     "guild-a",
					CaseNumber:  caseNumber,
					Kind:        ActionWarn,
					UserID:      "user-1",
					ModeratorID: "mod-1",
				},
			),
		)
	}

	page, total, err := ledger.GuildCases(ctx, "guild-a", 3, 0, Descending)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, page, 3)
	assert.Equal(t, int64(7), page[0].CaseNumber)

	page, total, err = ledger.GuildCases(ctx, "guild-a", 3, 6, Descending)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].CaseNumber)

	// ascending order flips the page to the oldest cases first
	page, _, err = ledger.GuildCases(ctx, "guild-a", 3, 0, Ascending)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(1), page[0].CaseNumber)
	assert.Equal(t, int64(3), page[2].CaseNumber)
}
