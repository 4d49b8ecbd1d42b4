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

// CaseStatus is the lifecycle state of a restriction case.
type CaseStatus string

const (
	CaseStatusActive   CaseStatus = "active"
	CaseStatusResolved CaseStatus = "resolved"
)

// ResolveCause records why an active case was closed.
type ResolveCause string

const (
	ResolveCauseLifted  ResolveCause = "lifted"
	ResolveCauseExpired ResolveCause = "expired"
	ResolveCauseAppeal  ResolveCause = "appeal"
)

var (
	columnCaseStatus       = "status"
	columnCaseResolvedAt   = "resolved_at"
	columnCaseResolvedBy   = "resolved_by"
	columnCaseResolveCause = "resolve_cause"
	columnCaseLiftReason   = "lift_reason"
	columnCaseDMSent       = "dm_sent"
	columnCaseEnforcement  = "enforcement_error"
)

// Case is the durable record of a member restriction. CaseID is a
// per-guild sequence starting at 1; two guilds can both have case 7.
//
//nolint:lll // struct tags can't be split
type Case struct {
	ModelUintID

	// GuildID is the Discord guild the restriction applies in
	GuildID string `json:"guild_id" gorm:"index:idx_case_guild_number,unique;not null;type:string"`

	// CaseID is the per-guild case number
	CaseID int64 `json:"case_id" gorm:"index:idx_case_guild_number,unique;not null"`

	// UserID is the restricted member
	UserID string `json:"user_id" gorm:"index;not null;type:string"`

	// Username at the time the case was opened, for display
	Username string `json:"username" gorm:"type:string"`

	// ModeratorID is the moderator who opened the case
	ModeratorID string `json:"moderator_id" gorm:"type:string"`

	// Reason given when the case was opened
	Reason string `json:"reason" gorm:"type:string"`

	// Silent suppresses member-facing notifications for this case
	Silent bool `json:"silent" gorm:"type:bool;default:false"`

	Status CaseStatus `json:"status" gorm:"index;type:string;default:active"`

	// ExpiresAt is when a timed restriction lapses. Nil means indefinite.
	ExpiresAt *time.Time `json:"expires_at,omitempty" gorm:"type:timestamp"`

	// ResolvedAt / ResolvedBy / ResolveCause are set exactly once, when
	// the case leaves the active state
	ResolvedAt   *time.Time   `json:"resolved_at,omitempty" gorm:"type:timestamp"`
	ResolvedBy   string       `json:"resolved_by" gorm:"type:string"`
	ResolveCause ResolveCause `json:"resolve_cause" gorm:"type:string"`

	// LiftReason is the optional reason supplied on a manual lift
	LiftReason string `json:"lift_reason" gorm:"type:string"`

	// DMSent records whether the member was notified by DM when the
	// case was opened
	DMSent bool `json:"dm_sent" gorm:"type:bool;default:false"`

	// EnforcementError holds the last platform error after role or
	// overwrite enforcement exhausted its retries, so divergence between
	// the ledger and Discord state stays discoverable
	EnforcementError string `json:"enforcement_error" gorm:"type:string"`

	ModelUnixTime
}

func (Case) TableName() string {
	return "cases"
}

// CaseCounter backs per-guild case number allocation.
type CaseCounter struct {
	GuildID string `json:"guild_id" gorm:"primaryKey;type:string"`
	NextID  int64  `json:"next_id" gorm:"not null"`
}

func (CaseCounter) TableName() string {
	return "case_counters"
}

func (c Case) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(c.ID)),
		slog.String("guild_id", c.GuildID),
		slog.Int64("case_id", c.CaseID),
		slog.String("user_id", c.UserID),
		slog.String("status", string(c.Status)),
	}
	if c.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *c.ExpiresAt))
	}
	return slog.GroupValue(attrs...)
}

func (c Case) String() string {
	return fmt.Sprintf("case #%d (%s)", c.CaseID, c.UserID)
}

// Timed reports whether the restriction has an expiry.
func (c Case) Timed() bool {
	return c.ExpiresAt != nil
}

// NewCaseParams carries the caller-supplied fields for opening a case.
type NewCaseParams struct {
	GuildID     string
	UserID      string
	Username    string
	ModeratorID string
	Reason      string
	Silent      bool

	// Duration of the restriction. Zero means indefinite.
	Duration time.Duration
}

func (p NewCaseParams) validate(maxReasonLength int) error {
	if p.GuildID == "" || p.UserID == "" || p.ModeratorID == "" {
		return fmt.Errorf("%w: guild, user and moderator are required", ErrInvalidInput)
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		return fmt.Errorf("%w: a reason is required", ErrInvalidInput)
	}
	if maxReasonLength > 0 && len([]rune(reason)) > maxReasonLength {
		return fmt.Errorf(
			"%w: reason cannot exceed %d characters",
			ErrInvalidInput,
			maxReasonLength,
		)
	}
	if p.Duration < 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	return nil
}

// createCase opens a new restriction case, allocating the next per-guild
// case number. Fails with ErrNotEligible if the member already has an
// active case in the guild.
func createCase(
	ctx context.Context,
	db DBI,
	maxReasonLength int,
	params NewCaseParams,
) (*Case, error) {
	if err := params.validate(maxReasonLength); err != nil {
		return nil, err
	}

	existing, err := activeCaseForUser(ctx, db.DB(), params.GuildID, params.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf(
			"%w: member already has active case #%d",
			ErrNotEligible,
			existing.CaseID,
		)
	}

	newCase := &Case{
		GuildID:     params.GuildID,
		UserID:      params.UserID,
		Username:    params.Username,
		ModeratorID: params.ModeratorID,
		Reason:      strings.TrimSpace(params.Reason),
		Silent:      params.Silent,
		Status:      CaseStatusActive,
	}
	if params.Duration > 0 {
		expiry := time.Now().UTC().Add(params.Duration)
		newCase.ExpiresAt = &expiry
	}

	for attempt := 0; ; attempt++ {
		err = db.Transaction(
			ctx, func(tx *gorm.DB) error {
				caseID, seqErr := nextSequence(tx, CaseCounter{}.TableName(), params.GuildID)
				if seqErr != nil {
					return seqErr
				}
				newCase.CaseID = caseID
				return tx.Create(newCase).Error
			},
		)
		if err == nil {
			return newCase, nil
		}
		if errors.Is(err, errCounterConflict) && attempt < counterAllocRetries {
			continue
		}
		return nil, fmt.Errorf("error creating case: %w", err)
	}
}

// resolveCase transitions a case from active to resolved. The guard on the
// current status makes the transition first-write-wins: the second caller
// sees zero rows affected and gets resolved=false with no error. Pending
// appeals on the case are expired in the same transaction, so an appeal
// can never outlive its case.
func resolveCase(
	ctx context.Context,
	db DBI,
	c *Case,
	resolvedBy string,
	cause ResolveCause,
	liftReason string,
) (resolved bool, err error) {
	now := time.Now().UTC()
	var rowsAffected int64
	err = db.Transaction(
		ctx, func(tx *gorm.DB) error {
			updates := map[string]any{
				columnCaseStatus:       CaseStatusResolved,
				columnCaseResolvedAt:   &now,
				columnCaseResolvedBy:   resolvedBy,
				columnCaseResolveCause: cause,
			}
			if liftReason != "" {
				updates[columnCaseLiftReason] = liftReason
			}
			rv := tx.Model(&Case{}).Where(
				"id = ? AND status = ?",
				c.ID,
				CaseStatusActive,
			).Updates(updates)
			if rv.Error != nil {
				return rv.Error
			}
			rowsAffected = rv.RowsAffected
			if rowsAffected == 0 {
				return nil
			}

			// A case closed by an approved appeal keeps that appeal's
			// approved status; any other still-pending appeals lapse.
			return tx.Model(&Appeal{}).Where(
				"guild_id = ? AND case_id = ? AND status = ?",
				c.GuildID,
				c.CaseID,
				AppealStatusPending,
			).Updates(
				map[string]any{
					columnAppealStatus:     AppealStatusExpired,
					columnAppealReviewedAt: &now,
				},
			).Error
		},
	)
	if err != nil {
		return false, fmt.Errorf("error resolving case: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	c.Status = CaseStatusResolved
	c.ResolvedAt = &now
	c.ResolvedBy = resolvedBy
	c.ResolveCause = cause
	if liftReason != "" {
		c.LiftReason = liftReason
	}
	return true, nil
}

// setCaseDMSent records whether the opening notice reached the member.
func setCaseDMSent(ctx context.Context, db DBI, c *Case, sent bool) error {
	_, err := db.Updates(ctx, c, map[string]any{columnCaseDMSent: sent})
	if err == nil {
		c.DMSent = sent
	}
	return err
}

// setCaseEnforcementError stores the final platform error on the case
// after enforcement exhausted its retries.
func setCaseEnforcementError(
	ctx context.Context,
	db DBI,
	c *Case,
	enforcementErr error,
) error {
	message := truncate(enforcementErr.Error(), discordMaxEmbedFieldLength)
	_, err := db.Updates(ctx, c, map[string]any{columnCaseEnforcement: message})
	if err == nil {
		c.EnforcementError = message
	}
	return err
}

// getCase retrieves a case by its per-guild number.
func getCase(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	caseID int64,
) (*Case, error) {
	var c Case
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND case_id = ?",
		guildID,
		caseID,
	).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: case #%d", ErrNotFound, caseID)
		}
		return nil, err
	}
	return &c, nil
}

// activeCaseForUser returns the member's active case in the guild, or
// ErrNotFound.
func activeCaseForUser(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	userID string,
) (*Case, error) {
	var c Case
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ? AND status = ?",
		guildID,
		userID,
		CaseStatusActive,
	).Last(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// activeCases lists the guild's active cases, oldest first.
func activeCases(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) ([]Case, error) {
	var cases []Case
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND status = ?",
		guildID,
		CaseStatusActive,
	).Order("case_id asc").Find(&cases).Error
	return cases, err
}

// expiredActiveCases returns active cases whose expiry has lapsed.
func expiredActiveCases(
	ctx context.Context,
	db *gorm.DB,
	asOf time.Time,
) ([]Case, error) {
	var cases []Case
	err := db.WithContext(ctx).Where(
		"status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		CaseStatusActive,
		asOf,
	).Order("expires_at asc").Find(&cases).Error
	return cases, err
}

// cleanupResolvedCases hard-deletes resolved cases (and their appeals)
// older than the cutoff, returning counts removed.
func cleanupResolvedCases(
	ctx context.Context,
	db DBI,
	guildID string,
	olderThan time.Duration,
) (casesRemoved int64, appealsRemoved int64, err error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()
	err = db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var caseIDs []int64
			findErr := tx.Model(&Case{}).Where(
				"guild_id = ? AND status = ? AND updated_at < ?",
				guildID,
				CaseStatusResolved,
				cutoff,
			).Pluck("case_id", &caseIDs).Error
			if findErr != nil {
				return findErr
			}
			if len(caseIDs) == 0 {
				return nil
			}

			rv := tx.Unscoped().Where(
				"guild_id = ? AND case_id IN ?",
				guildID,
				caseIDs,
			).Delete(&Appeal{})
			if rv.Error != nil {
				return rv.Error
			}
			appealsRemoved = rv.RowsAffected

			rv = tx.Unscoped().Where(
				"guild_id = ? AND case_id IN ?",
				guildID,
				caseIDs,
			).Delete(&Case{})
			if rv.Error != nil {
				return rv.Error
			}
			casesRemoved = rv.RowsAffected
			return nil
		},
	)
	return casesRemoved, appealsRemoved, err
}
