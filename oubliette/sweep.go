package oubliette

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// systemActorID marks ledger transitions performed by the scheduler
// rather than a moderator.
const systemActorID = "system"

// caseExpirySweep releases every active case whose expiry has passed.
// Each case is resolved independently so one guild's platform trouble
// doesn't block the rest. Returns the number of cases resolved this
// pass.
func (o *Oubliette) caseExpirySweep(ctx context.Context) int {
	log := o.logger.With(loggerNameKey, "case_sweep")

	expired, err := expiredActiveCases(ctx, o.db, time.Now().UTC())
	if err != nil {
		log.ErrorContext(ctx, "error listing expired cases", tint.Err(err))
		return 0
	}

	var resolved int
	for i := range expired {
		c := &expired[i]
		ok, resolveErr := resolveCase(
			ctx,
			o.writeDB,
			c,
			systemActorID,
			ResolveCauseExpired,
			"",
		)
		if resolveErr != nil {
			log.ErrorContext(
				ctx,
				"error resolving expired case",
				tint.Err(resolveErr),
				"case", c,
			)
			continue
		}
		if !ok {
			// Lost the race to a moderator lift or a concurrent sweep.
			continue
		}
		resolved++

		settings := o.writeDB.GetGuildSettings(c.GuildID)
		if settings == nil {
			log.ErrorContext(
				ctx,
				"guild settings missing for expired case",
				"case", c,
			)
			continue
		}
		if releaseErr := o.enforcer.Release(ctx, settings, c); releaseErr != nil {
			log.ErrorContext(
				ctx,
				"error releasing expired case",
				tint.Err(releaseErr),
				"case", c,
			)
			if recordErr := setCaseEnforcementError(
				ctx, o.writeDB, c, releaseErr,
			); recordErr != nil {
				log.ErrorContext(
					ctx,
					"error recording enforcement failure",
					tint.Err(recordErr),
					"case", c,
				)
			}
			o.dispatcher.Alert(
				ctx,
				"failed to release expired restriction",
				releaseErr,
			)
		}
		o.dispatcher.NotifyReleased(ctx, c)
		o.dispatcher.LogCaseEvent(ctx, settings, caseResolvedEmbed(c, systemActorID))
	}
	if resolved > 0 {
		log.InfoContext(ctx, "resolved expired cases", "count", resolved)
	}
	return resolved
}

// appealExpirySweep lapses pending appeals whose review window has
// closed, notifies the appellants, and retires the stale prompts.
// Returns the number of appeals expired this pass.
func (o *Oubliette) appealExpirySweep(ctx context.Context) int {
	log := o.logger.With(loggerNameKey, "appeal_sweep")

	expired, err := expirePendingAppeals(
		ctx,
		o.writeDB,
		o.config.Quarantine.AppealReviewTimeout,
	)
	if err != nil {
		log.ErrorContext(ctx, "error expiring appeals", tint.Err(err))
		return 0
	}
	for i := range expired {
		appeal := &expired[i]
		o.dispatcher.NotifyAppealOutcome(ctx, appeal)
		o.dispatcher.RetireReviewPrompt(ctx, appeal)
	}
	if len(expired) > 0 {
		log.InfoContext(ctx, "expired stale appeals", "count", len(expired))
	}
	return len(expired)
}

// retentionSweep prunes jail message records past their retention
// window and deletes member notices whose deletion time has arrived.
// The notice row is removed only after the platform delete succeeds or
// the message is already gone, so delivery survives restarts.
func (o *Oubliette) retentionSweep(ctx context.Context) {
	log := o.logger.With(loggerNameKey, "retention_sweep")
	now := time.Now().UTC()

	cutoff := now.Add(-o.config.Quarantine.JailMessageRetention).UnixMilli()
	pruned, err := o.writeDB.Delete(
		&JailMessage{},
		"created_at < ?",
		cutoff,
	)
	if err != nil {
		log.ErrorContext(ctx, "error pruning jail messages", tint.Err(err))
	} else if pruned > 0 {
		log.InfoContext(ctx, "pruned jail messages", "count", pruned)
	}

	var due []PendingNoticeDelete
	getCtx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	if findErr := o.db.WithContext(getCtx).Where(
		"delete_at <= ?",
		now.UnixMilli(),
	).Find(&due).Error; findErr != nil {
		log.ErrorContext(ctx, "error listing due notices", tint.Err(findErr))
		return
	}
	for i := range due {
		notice := &due[i]
		delErr := o.discord.session.ChannelMessageDelete(
			notice.ChannelID,
			notice.MessageID,
		)
		if delErr != nil && !isDiscordNotFound(delErr) {
			log.WarnContext(
				ctx,
				"error deleting member notice",
				tint.Err(delErr),
				"message_id", notice.MessageID,
			)
			continue
		}
		if _, rowErr := o.writeDB.Delete(notice); rowErr != nil {
			log.ErrorContext(
				ctx,
				"error removing notice record",
				tint.Err(rowErr),
				"message_id", notice.MessageID,
			)
		}
	}
}

// runSweeps drives the periodic schedulers until ctx is canceled.
func (o *Oubliette) runSweeps(ctx context.Context) {
	qcfg := o.config.Quarantine

	runTicker := func(interval time.Duration, pass func(context.Context)) {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pass(ctx)
			}
		}
	}

	o.wg.Add(3)
	go runTicker(
		qcfg.CaseSweepInterval,
		func(ctx context.Context) { o.caseExpirySweep(ctx) },
	)
	go runTicker(
		qcfg.AppealSweepInterval,
		func(ctx context.Context) { o.appealExpirySweep(ctx) },
	)
	go runTicker(qcfg.RetentionSweepInterval, o.retentionSweep)
}

// isDiscordNotFound reports whether err is a REST 404, which the
// sweeps treat as already done.
func isDiscordNotFound(err error) bool {
	restErr, ok := err.(*discordgo.RESTError)
	return ok && restErr.Response != nil && restErr.Response.StatusCode == 404
}

func caseResolvedEmbed(c *Case, actorID string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Restriction ended",
		Color: colorGreen,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Case", Value: caseRef(c), Inline: true},
			{Name: "Member", Value: "<@" + c.UserID + ">", Inline: true},
			{Name: "Cause", Value: string(c.ResolveCause), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if actorID != "" && actorID != systemActorID {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:   "By",
				Value:  "<@" + actorID + ">",
				Inline: true,
			},
		)
	}
	if c.LiftReason != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  "Note",
				Value: truncate(c.LiftReason, discordMaxEmbedFieldLength),
			},
		)
	}
	return embed
}

func caseOpenedEmbed(c *Case) *discordgo.MessageEmbed {
	duration := "Indefinite"
	if c.ExpiresAt != nil {
		duration = humanizeDuration(time.Until(*c.ExpiresAt))
	}
	embed := &discordgo.MessageEmbed{
		Title: "Member restricted",
		Color: colorRed,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Case", Value: caseRef(c), Inline: true},
			{Name: "Member", Value: "<@" + c.UserID + ">", Inline: true},
			{Name: "Moderator", Value: "<@" + c.ModeratorID + ">", Inline: true},
			{Name: "Duration", Value: duration, Inline: true},
			{Name: "Reason", Value: truncate(c.Reason, discordMaxEmbedFieldLength)},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if c.Silent {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "Silent: member not notified"}
	}
	return embed
}

func caseRef(c *Case) string {
	return fmt.Sprintf("#%d", c.CaseID)
}
