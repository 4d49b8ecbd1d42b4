package oubliette

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
)

// AppealStatus is the review state of an appeal. Pending is the only
// state an appeal can leave; Approved, Denied and Expired are terminal.
type AppealStatus string

const (
	AppealStatusPending  AppealStatus = "pending"
	AppealStatusApproved AppealStatus = "approved"
	AppealStatusDenied   AppealStatus = "denied"
	AppealStatusExpired  AppealStatus = "expired"
)

var (
	columnAppealStatus     = "status"
	columnAppealReviewerID = "reviewer_id"
	columnAppealReviewNote = "review_note"
	columnAppealReviewedAt = "reviewed_at"
)

// Appeal is a member's request to lift an active restriction case.
// AppealID is a per-guild sequence independent of case numbers.
//
//nolint:lll // struct tags can't be split
type Appeal struct {
	ModelUintID

	GuildID string `json:"guild_id" gorm:"index:idx_appeal_guild_number,unique;not null;type:string"`

	// AppealID is the per-guild appeal number
	AppealID int64 `json:"appeal_id" gorm:"index:idx_appeal_guild_number,unique;not null"`

	// CaseID is the per-guild number of the case being appealed
	CaseID int64 `json:"case_id" gorm:"index;not null"`

	// UserID is the appealing member
	UserID string `json:"user_id" gorm:"index;not null;type:string"`

	// Username at submission time, for display
	Username string `json:"username" gorm:"type:string"`

	// Body is the member's appeal text
	Body string `json:"body" gorm:"type:string"`

	Status AppealStatus `json:"status" gorm:"index;type:string;default:pending"`

	// ReviewerID / ReviewNote / ReviewedAt are set exactly once, when the
	// appeal leaves the pending state. Sweep-expired appeals have no
	// reviewer.
	ReviewerID string     `json:"reviewer_id" gorm:"type:string"`
	ReviewNote string     `json:"review_note" gorm:"type:string"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty" gorm:"type:timestamp"`

	// PromptChannelID / PromptMessageID locate the review prompt posted
	// to the guild's log channel, so the buttons can be retired when the
	// appeal is decided
	PromptChannelID string `json:"prompt_channel_id" gorm:"type:string"`
	PromptMessageID string `json:"prompt_message_id" gorm:"type:string"`

	ModelUnixTime
}

func (Appeal) TableName() string {
	return "appeals"
}

// AppealCounter backs per-guild appeal number allocation.
type AppealCounter struct {
	GuildID string `json:"guild_id" gorm:"primaryKey;type:string"`
	NextID  int64  `json:"next_id" gorm:"not null"`
}

func (AppealCounter) TableName() string {
	return "appeal_counters"
}

func (a Appeal) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(a.ID)),
		slog.String("guild_id", a.GuildID),
		slog.Int64("appeal_id", a.AppealID),
		slog.Int64("case_id", a.CaseID),
		slog.String("user_id", a.UserID),
		slog.String("status", string(a.Status)),
	)
}

func (a Appeal) String() string {
	return fmt.Sprintf("appeal #%d (case #%d)", a.AppealID, a.CaseID)
}

// NewAppealParams carries the member-supplied fields for an appeal.
type NewAppealParams struct {
	GuildID  string
	UserID   string
	Username string
	Body     string
}

// createAppeal records an appeal against the member's active case.
//
// Eligibility is checked in order: the member must have an active case
// (ErrNotEligible), must not already have a pending appeal
// (ErrDuplicatePending), and must be past the cooldown from their last
// submission in the guild, whatever became of it (ErrCooldownActive).
// The appeal number is allocated from the per-guild counter in the same
// transaction as the insert.
func createAppeal(
	ctx context.Context,
	db DBI,
	qcfg *QuarantineConfig,
	params NewAppealParams,
) (*Appeal, *Case, error) {
	body := strings.TrimSpace(params.Body)
	if n := len([]rune(body)); n < qcfg.AppealMinLength || n > qcfg.AppealMaxLength {
		return nil, nil, fmt.Errorf(
			"%w: appeal must be between %d and %d characters",
			ErrInvalidInput,
			qcfg.AppealMinLength,
			qcfg.AppealMaxLength,
		)
	}

	activeCase, err := activeCaseForUser(ctx, db.DB(), params.GuildID, params.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, fmt.Errorf(
				"%w: no active restriction to appeal",
				ErrNotEligible,
			)
		}
		return nil, nil, err
	}

	prior, err := latestAppealForUser(ctx, db.DB(), params.GuildID, params.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	if prior != nil {
		if prior.Status == AppealStatusPending {
			return nil, nil, fmt.Errorf(
				"%w: appeal #%d is still under review",
				ErrDuplicatePending,
				prior.AppealID,
			)
		}
		// The cooldown runs from the last submission, not the review,
		// and follows the member across cases.
		nextAllowed := time.UnixMilli(prior.CreatedAt).Add(qcfg.AppealCooldown)
		if remaining := time.Until(nextAllowed); remaining > 0 {
			return nil, nil, fmt.Errorf(
				"%w: try again in %s",
				ErrCooldownActive,
				humanizeDuration(remaining),
			)
		}
	}

	appeal := &Appeal{
		GuildID:  params.GuildID,
		CaseID:   activeCase.CaseID,
		UserID:   params.UserID,
		Username: params.Username,
		Body:     body,
		Status:   AppealStatusPending,
	}

	for attempt := 0; ; attempt++ {
		err = db.Transaction(
			ctx, func(tx *gorm.DB) error {
				appealID, seqErr := nextSequence(
					tx,
					AppealCounter{}.TableName(),
					params.GuildID,
				)
				if seqErr != nil {
					return seqErr
				}
				appeal.AppealID = appealID
				return tx.Create(appeal).Error
			},
		)
		if err == nil {
			return appeal, activeCase, nil
		}
		if errors.Is(err, errCounterConflict) && attempt < counterAllocRetries {
			continue
		}
		return nil, nil, fmt.Errorf("error creating appeal: %w", err)
	}
}

// reviewAppeal decides a pending appeal. The status guard makes the
// decision first-write-wins: a second reviewer's click affects zero rows
// and returns decided=false with no error.
//
// An approval also resolves the underlying case in the same transaction,
// so there is no window where the appeal is approved but the restriction
// still shows active.
func reviewAppeal(
	ctx context.Context,
	db DBI,
	appeal *Appeal,
	reviewerID string,
	approve bool,
	note string,
) (decided bool, err error) {
	now := time.Now().UTC()
	status := AppealStatusDenied
	if approve {
		status = AppealStatusApproved
	}

	var rowsAffected int64
	err = db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Model(&Appeal{}).Where(
				"id = ? AND status = ?",
				appeal.ID,
				AppealStatusPending,
			).Updates(
				map[string]any{
					columnAppealStatus:     status,
					columnAppealReviewerID: reviewerID,
					columnAppealReviewNote: note,
					columnAppealReviewedAt: &now,
				},
			)
			if rv.Error != nil {
				return rv.Error
			}
			rowsAffected = rv.RowsAffected
			if rowsAffected == 0 || !approve {
				return nil
			}

			return tx.Model(&Case{}).Where(
				"guild_id = ? AND case_id = ? AND status = ?",
				appeal.GuildID,
				appeal.CaseID,
				CaseStatusActive,
			).Updates(
				map[string]any{
					columnCaseStatus:       CaseStatusResolved,
					columnCaseResolvedAt:   &now,
					columnCaseResolvedBy:   reviewerID,
					columnCaseResolveCause: ResolveCauseAppeal,
				},
			).Error
		},
	)
	if err != nil {
		return false, fmt.Errorf("error reviewing appeal: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	appeal.Status = status
	appeal.ReviewerID = reviewerID
	appeal.ReviewNote = note
	appeal.ReviewedAt = &now
	return true, nil
}

// expirePendingAppeals retires pending appeals submitted before the
// cutoff. The status guard means each appeal expires exactly once even
// with concurrent sweeps; the expired rows are returned so notices can
// be sent for them.
func expirePendingAppeals(
	ctx context.Context,
	db DBI,
	reviewTimeout time.Duration,
) ([]Appeal, error) {
	cutoff := time.Now().UTC().Add(-reviewTimeout).UnixMilli()
	now := time.Now().UTC()

	var stale []Appeal
	err := db.DB().WithContext(ctx).Where(
		"status = ? AND created_at < ?",
		AppealStatusPending,
		cutoff,
	).Find(&stale).Error
	if err != nil {
		return nil, err
	}

	expired := make([]Appeal, 0, len(stale))
	for i := range stale {
		appeal := stale[i]
		rowsAffected, updateErr := db.UpdatesWhere(
			ctx,
			&Appeal{},
			map[string]any{
				columnAppealStatus:     AppealStatusExpired,
				columnAppealReviewedAt: &now,
			},
			"id = ? AND status = ?",
			appeal.ID,
			AppealStatusPending,
		)
		if updateErr != nil {
			return expired, updateErr
		}
		if rowsAffected == 0 {
			continue
		}
		appeal.Status = AppealStatusExpired
		appeal.ReviewedAt = &now
		expired = append(expired, appeal)
	}
	return expired, nil
}

// getAppeal retrieves an appeal by its per-guild number.
func getAppeal(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	appealID int64,
) (*Appeal, error) {
	var a Appeal
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND appeal_id = ?",
		guildID,
		appealID,
	).First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: appeal #%d", ErrNotFound, appealID)
		}
		return nil, err
	}
	return &a, nil
}

// pendingAppeals lists the guild's pending appeals, oldest first.
func pendingAppeals(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) ([]Appeal, error) {
	var appeals []Appeal
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND status = ?",
		guildID,
		AppealStatusPending,
	).Order("appeal_id asc").Find(&appeals).Error
	return appeals, err
}

// latestAppealForUser returns the member's most recent appeal in the
// guild, or ErrNotFound.
func latestAppealForUser(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	userID string,
) (*Appeal, error) {
	var a Appeal
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?",
		guildID,
		userID,
	).Order("appeal_id desc").First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// setAppealPrompt records where the review prompt for the appeal was
// posted.
func setAppealPrompt(
	ctx context.Context,
	db DBI,
	appeal *Appeal,
	channelID string,
	messageID string,
) error {
	_, err := db.Updates(
		ctx, appeal, map[string]any{
			"prompt_channel_id": channelID,
			"prompt_message_id": messageID,
		},
	)
	if err == nil {
		appeal.PromptChannelID = channelID
		appeal.PromptMessageID = messageID
	}
	return err
}
