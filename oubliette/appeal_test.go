package oubliette

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAppealBody = "I understand what I did wrong and it won't " +
	"happen again. Please lift the restriction."

func TestCreateAppealBodyLength(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	ctx := context.Background()
	seedActiveCase(t, db, "guild-a", "user-1")

	params := NewAppealParams{
		GuildID:  "guild-a",
		UserID:   "user-1",
		Username: "member-1",
	}

	t.Run("too short", func(t *testing.T) {
		p := params
		p.Body = "please unban me"
		_, _, err := createAppeal(ctx, db, qcfg, p)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
	t.Run("too long", func(t *testing.T) {
		p := params
		p.Body = strings.Repeat("x", qcfg.AppealMaxLength+1)
		_, _, err := createAppeal(ctx, db, qcfg, p)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
	t.Run("length counts runes", func(t *testing.T) {
		p := params
		p.Body = strings.Repeat("é", qcfg.AppealMinLength)
		appeal, c, err := createAppeal(ctx, db, qcfg, p)
		require.NoError(t, err)
		assert.Equal(t, int64(1), appeal.AppealID)
		assert.Equal(t, c.CaseID, appeal.CaseID)
	})
}

func TestCreateAppealRequiresActiveCase(t *testing.T) {
	db, _ := newTestDatabase(t)
	_, _, err := createAppeal(
		context.Background(), db, DefaultQuarantineConfig(), NewAppealParams{
			GuildID: "guild-a",
			UserID:  "user-1",
			Body:    testAppealBody,
		},
	)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestCreateAppealRejectsDuplicatePending(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")

	_, _, err := createAppeal(
		context.Background(), db, qcfg, NewAppealParams{
			GuildID: "guild-a",
			UserID:  "user-1",
			Body:    testAppealBody,
		},
	)
	require.ErrorIs(t, err, ErrDuplicatePending)
	assert.Contains(t, err.Error(), "#1")
}

func TestCreateAppealDeniedCooldown(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	ctx := context.Background()
	appeal, _ := seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")

	decided, err := reviewAppeal(ctx, db, appeal, "mod-1", false, "not convincing")
	require.NoError(t, err)
	require.True(t, decided)

	_, _, err = createAppeal(
		ctx, db, qcfg, NewAppealParams{
			GuildID: "guild-a",
			UserID:  "user-1",
			Body:    testAppealBody,
		},
	)
	require.ErrorIs(t, err, ErrCooldownActive)
	assert.Contains(t, err.Error(), "try again in")

	// Once the cooldown lapses, a new appeal for the same case is allowed.
	qcfg.AppealCooldown = 0
	second, _, err := createAppeal(
		ctx, db, qcfg, NewAppealParams{
			GuildID: "guild-a",
			UserID:  "user-1",
			Body:    testAppealBody,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.AppealID)
}

func TestCreateAppealCooldownRunsFromSubmission(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	ctx := context.Background()
	appeal, _ := seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")

	// An appeal submitted two days ago but denied just now is already
	// past the cooldown: the clock runs from submission, not review.
	submitted := time.Now().UTC().Add(-48 * time.Hour).UnixMilli()
	require.NoError(
		t, db.DB().Model(&Appeal{}).Where("id = ?", appeal.ID).
			UpdateColumn("created_at", submitted).Error,
	)

	decided, err := reviewAppeal(ctx, db, appeal, "mod-1", false, "")
	require.NoError(t, err)
	require.True(t, decided)

	second, _, err := createAppeal(
		ctx, db, qcfg, NewAppealParams{
			GuildID: "guild-a",
			UserID:  "user-1",
			Body:    testAppealBody,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.AppealID)
}

func TestCreateAppealCooldownSpansCases(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	ctx := context.Background()
	appeal, c := seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")

	decided, err := reviewAppeal(ctx, db, appeal, "mod-1", false, "")
	require.NoError(t, err)
	require.True(t, decided)

	resolved, err := resolveCase(ctx, db, c, "mod-1", ResolveCauseLifted, "")
	require.NoError(t, err)
	require.True(t, resolved)

	// A fresh restriction doesn't reset the member's cooldown.
	seedActiveCase(t, db, "guild-a", "user-1")
	_, _, err = createAppeal(
		ctx, db, qcfg, NewAppealParams{
			GuildID: "guild-a",
			UserID:  "user-1",
			Body:    testAppealBody,
		},
	)
	assert.ErrorIs(t, err, ErrCooldownActive)
}

func TestCreateAppealSequentialNumbering(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()

	a1, _ := seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")
	a2, _ := seedPendingAppeal(t, db, qcfg, "guild-a", "user-2")
	other, _ := seedPendingAppeal(t, db, qcfg, "guild-b", "user-1")

	assert.Equal(t, int64(1), a1.AppealID)
	assert.Equal(t, int64(2), a2.AppealID)
	assert.Equal(t, int64(1), other.AppealID)
}

func TestReviewAppealApproveResolvesCase(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	ctx := context.Background()
	appeal, c := seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")

	decided, err := reviewAppeal(ctx, db, appeal, "mod-9", true, "fair enough")
	require.NoError(t, err)
	require.True(t, decided)
	assert.Equal(t, AppealStatusApproved, appeal.Status)
	assert.Equal(t, "mod-9", appeal.ReviewerID)
	assert.Equal(t, "fair enough", appeal.ReviewNote)
	require.NotNil(t, appeal.ReviewedAt)

	stored, err := getCase(ctx, db.DB(), "guild-a", c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, CaseStatusResolved, stored.Status)
	assert.Equal(t, ResolveCauseAppeal, stored.ResolveCause)
	assert.Equal(t, "mod-9", stored.ResolvedBy)
}

func TestReviewAppealDenyLeavesCaseActive(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	ctx := context.Background()
	appeal, c := seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")

	decided, err := reviewAppeal(ctx, db, appeal, "mod-9", false, "")
	require.NoError(t, err)
	require.True(t, decided)
	assert.Equal(t, AppealStatusDenied, appeal.Status)

	stored, err := getCase(ctx, db.DB(), "guild-a", c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, CaseStatusActive, stored.Status)
}

func TestReviewAppealFirstWriteWins(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	ctx := context.Background()
	appeal, _ := seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")

	decided, err := reviewAppeal(ctx, db, appeal, "mod-1", false, "no")
	require.NoError(t, err)
	require.True(t, decided)

	// A second reviewer clicking approve after the denial lands is a
	// quiet no-op: the case stays resolved the first way.
	again := *appeal
	decided, err = reviewAppeal(ctx, db, &again, "mod-2", true, "yes")
	require.NoError(t, err)
	assert.False(t, decided)

	stored, err := getAppeal(ctx, db.DB(), "guild-a", appeal.AppealID)
	require.NoError(t, err)
	assert.Equal(t, AppealStatusDenied, stored.Status)
	assert.Equal(t, "mod-1", stored.ReviewerID)
}

func TestExpirePendingAppeals(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	ctx := context.Background()

	stale, _ := seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")
	fresh, _ := seedPendingAppeal(t, db, qcfg, "guild-a", "user-2")

	// Backdate the first appeal past the review window.
	old := time.Now().UTC().Add(-8 * 24 * time.Hour).UnixMilli()
	require.NoError(
		t,
		db.DB().Model(&Appeal{}).Where("id = ?", stale.ID).UpdateColumn(
			"created_at", old,
		).Error,
	)

	expired, err := expirePendingAppeals(ctx, db, qcfg.AppealReviewTimeout)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.AppealID, expired[0].AppealID)
	assert.Equal(t, AppealStatusExpired, expired[0].Status)
	assert.Empty(t, expired[0].ReviewerID)

	// A second sweep finds nothing; the expiry happened exactly once.
	expired, err = expirePendingAppeals(ctx, db, qcfg.AppealReviewTimeout)
	require.NoError(t, err)
	assert.Empty(t, expired)

	stored, err := getAppeal(ctx, db.DB(), "guild-a", fresh.AppealID)
	require.NoError(t, err)
	assert.Equal(t, AppealStatusPending, stored.Status)
}

func TestPendingAppealsOrdering(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	ctx := context.Background()

	seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")
	second, _ := seedPendingAppeal(t, db, qcfg, "guild-a", "user-2")
	decided, err := reviewAppeal(ctx, db, second, "mod-1", false, "")
	require.NoError(t, err)
	require.True(t, decided)
	seedPendingAppeal(t, db, qcfg, "guild-a", "user-3")

	appeals, err := pendingAppeals(ctx, db.DB(), "guild-a")
	require.NoError(t, err)
	require.Len(t, appeals, 2)
	assert.Equal(t, int64(1), appeals[0].AppealID)
	assert.Equal(t, int64(3), appeals[1].AppealID)
}

func TestLatestAppealForUser(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	qcfg.AppealCooldown = 0
	ctx := context.Background()

	_, err := latestAppealForUser(ctx, db.DB(), "guild-a", "user-1")
	assert.ErrorIs(t, err, ErrNotFound)

	first, _ := seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")
	decided, err := reviewAppeal(ctx, db, first, "mod-1", false, "")
	require.NoError(t, err)
	require.True(t, decided)

	second, _, err := createAppeal(
		ctx, db, qcfg, NewAppealParams{
			GuildID: "guild-a",
			UserID:  "user-1",
			Body:    testAppealBody,
		},
	)
	require.NoError(t, err)

	latest, err := latestAppealForUser(ctx, db.DB(), "guild-a", "user-1")
	require.NoError(t, err)
	assert.Equal(t, second.AppealID, latest.AppealID)
}

func TestSetAppealPrompt(t *testing.T) {
	db, _ := newTestDatabase(t)
	qcfg := DefaultQuarantineConfig()
	ctx := context.Background()
	appeal, _ := seedPendingAppeal(t, db, qcfg, "guild-a", "user-1")

	require.NoError(t, setAppealPrompt(ctx, db, appeal, "chan-log", "msg-77"))
	assert.Equal(t, "chan-log", appeal.PromptChannelID)
	assert.Equal(t, "msg-77", appeal.PromptMessageID)

	stored, err := getAppeal(ctx, db.DB(), "guild-a", appeal.AppealID)
	require.NoError(t, err)
	assert.Equal(t, "chan-log", stored.PromptChannelID)
	assert.Equal(t, "msg-77", stored.PromptMessageID)
}
