package oubliette

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Embed accent colors, matching Discord's brand palette.
const (
	colorRed    = 0xED4245
	colorGreen  = 0x57F287
	colorYellow = 0xFEE75C
	colorBlue   = 0x5865F2
)

// Dispatcher delivers member notices, audit embeds and operator alerts.
// Every delivery is best effort: a closed DM or a deleted log channel is
// logged and reported as undelivered, never propagated as a workflow
// error. Ledger state has already been committed by the time anything
// here runs.
type Dispatcher struct {
	session DiscordSessionHandler
	writeDB DBI
	logger  *slog.Logger
	cfg     *QuarantineConfig

	alertWebhookID    string
	alertWebhookToken string
}

func newDispatcher(
	session DiscordSessionHandler,
	writeDB DBI,
	cfg *QuarantineConfig,
	discordCfg *DiscordConfig,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		session: session,
		writeDB: writeDB,
		logger:  logger.With(loggerNameKey, "dispatcher"),
		cfg:     cfg,
	}
	if discordCfg != nil {
		d.alertWebhookID = discordCfg.AlertWebhookID
		d.alertWebhookToken = discordCfg.AlertWebhookToken
	}
	return d
}

// NotifyRestricted DMs the member that a case was opened against them.
// Returns whether the notice was delivered. Silent cases skip delivery.
func (d *Dispatcher) NotifyRestricted(
	ctx context.Context,
	settings *GuildSettings,
	c *Case,
) bool {
	if c.Silent {
		return false
	}
	embed := &discordgo.MessageEmbed{
		Title: "You have been restricted",
		Color: colorRed,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Case", Value: fmt.Sprintf("#%d", c.CaseID), Inline: true},
			{Name: "Reason", Value: truncate(c.Reason, discordMaxEmbedFieldLength)},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: "You may appeal with /appeal once in the restricted channel.",
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if c.ExpiresAt != nil {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:   "Expires",
				Value:  humanizeDuration(time.Until(*c.ExpiresAt)),
				Inline: true,
			},
		)
	} else {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:   "Duration",
				Value:  "Indefinite",
				Inline: true,
			},
		)
	}
	if settings != nil && settings.JailChannelID != "" {
		embed.Description = fmt.Sprintf(
			"You may still post in <#%s>.",
			settings.JailChannelID,
		)
	}
	return d.sendMemberNotice(ctx, c.UserID, embed)
}

// NotifyReleased DMs the member that their restriction ended, naming the
// cause (lifted, expired, or approved appeal).
func (d *Dispatcher) NotifyReleased(ctx context.Context, c *Case) bool {
	if c.Silent {
		return false
	}
	var description string
	switch c.ResolveCause {
	case ResolveCauseAppeal:
		description = "Your appeal was approved and the restriction has been lifted."
	case ResolveCauseExpired:
		description = "Your restriction has expired."
	default:
		description = "Your restriction has been lifted."
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Restriction ended",
		Description: description,
		Color:       colorGreen,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Case", Value: fmt.Sprintf("#%d", c.CaseID), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
	return d.sendMemberNotice(ctx, c.UserID, embed)
}

// NotifyAppealOutcome DMs the member the decision on their appeal.
func (d *Dispatcher) NotifyAppealOutcome(
	ctx context.Context,
	appeal *Appeal,
) bool {
	embed := &discordgo.MessageEmbed{
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Appeal", Value: fmt.Sprintf("#%d", appeal.AppealID), Inline: true},
			{Name: "Case", Value: fmt.Sprintf("#%d", appeal.CaseID), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	switch appeal.Status {
	case AppealStatusApproved:
		embed.Title = "Appeal approved"
		embed.Description = "Your restriction has been lifted."
		embed.Color = colorGreen
	case AppealStatusDenied:
		embed.Title = "Appeal denied"
		embed.Color = colorRed
		eligible := time.UnixMilli(appeal.CreatedAt).Add(d.cfg.AppealCooldown)
		if remaining := time.Until(eligible); remaining > 0 {
			embed.Description = fmt.Sprintf(
				"You may submit a new appeal in %s.",
				humanizeDuration(remaining),
			)
		} else {
			embed.Description = "You may submit a new appeal."
		}
	case AppealStatusExpired:
		embed.Title = "Appeal expired"
		embed.Description = "Your appeal was not reviewed in time. You may submit a new one."
		embed.Color = colorYellow
	default:
		return false
	}
	if appeal.ReviewNote != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  "Reviewer note",
				Value: truncate(appeal.ReviewNote, discordMaxEmbedFieldLength),
			},
		)
	}
	return d.sendMemberNotice(ctx, appeal.UserID, embed)
}

// PostReviewPrompt posts the appeal to the guild's log channel with
// approve/deny buttons, and records the prompt location on the appeal.
func (d *Dispatcher) PostReviewPrompt(
	ctx context.Context,
	settings *GuildSettings,
	appeal *Appeal,
	c *Case,
) error {
	if settings == nil || settings.LogChannelID == "" {
		d.logger.WarnContext(
			ctx,
			"no log channel configured, review prompt not posted",
			"guild_id", appeal.GuildID,
		)
		return nil
	}
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Appeal #%d", appeal.AppealID),
		Color: colorBlue,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Member", Value: fmt.Sprintf("<@%s>", appeal.UserID), Inline: true},
			{Name: "Case", Value: fmt.Sprintf("#%d", appeal.CaseID), Inline: true},
			{
				Name:  "Restriction reason",
				Value: truncate(c.Reason, discordMaxEmbedFieldLength),
			},
			{Name: "Appeal", Value: truncate(appeal.Body, discordMaxEmbedFieldLength)},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	msg, err := d.session.ChannelMessageSendComplex(
		settings.LogChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: reviewButtons(appeal),
		},
	)
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"error posting review prompt",
			tint.Err(err),
			"appeal", appeal,
		)
		return fmt.Errorf("%w: %s", ErrPlatformUnavailable, err)
	}
	return setAppealPrompt(ctx, d.writeDB, appeal, msg.ChannelID, msg.ID)
}

// RetireReviewPrompt strips the buttons from a decided appeal's prompt
// and appends the outcome, so stale prompts can't collect clicks.
func (d *Dispatcher) RetireReviewPrompt(
	ctx context.Context,
	appeal *Appeal,
) {
	if appeal.PromptChannelID == "" || appeal.PromptMessageID == "" {
		return
	}
	outcome := fmt.Sprintf("Appeal #%d: %s", appeal.AppealID, appeal.Status)
	if appeal.ReviewerID != "" {
		outcome = fmt.Sprintf("%s by <@%s>", outcome, appeal.ReviewerID)
	}
	components := []discordgo.MessageComponent{}
	_, err := d.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			Channel:    appeal.PromptChannelID,
			ID:         appeal.PromptMessageID,
			Content:    &outcome,
			Components: &components,
		},
	)
	if err != nil {
		d.logger.WarnContext(
			ctx,
			"error retiring review prompt",
			tint.Err(err),
			"appeal", appeal,
		)
	}
}

// LogCaseEvent posts an audit embed to the guild's log channel. Returns
// whether the embed was delivered.
func (d *Dispatcher) LogCaseEvent(
	ctx context.Context,
	settings *GuildSettings,
	embed *discordgo.MessageEmbed,
) bool {
	if settings == nil || settings.LogChannelID == "" {
		return false
	}
	_, err := d.session.ChannelMessageSendComplex(
		settings.LogChannelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	)
	if err != nil {
		d.logger.WarnContext(
			ctx,
			"error posting audit embed",
			tint.Err(err),
			"guild_id", settings.GuildID,
		)
		return false
	}
	return true
}

// Alert posts an operational failure to the configured alert webhook.
// No-op when the webhook isn't configured.
func (d *Dispatcher) Alert(ctx context.Context, summary string, err error) {
	if d.alertWebhookID == "" || d.alertWebhookToken == "" {
		return
	}
	content := summary
	if err != nil {
		content = fmt.Sprintf("%s: `%s`", summary, err.Error())
	}
	_, execErr := d.session.WebhookExecute(
		d.alertWebhookID,
		d.alertWebhookToken,
		false,
		&discordgo.WebhookParams{
			Content: truncate(content, discordMaxMessageLength),
		},
	)
	if execErr != nil {
		d.logger.ErrorContext(
			ctx,
			"error posting alert webhook",
			tint.Err(execErr),
			"summary", summary,
		)
	}
}

// sendMemberNotice delivers an embed to the member's DM channel and
// schedules its deletion. Returns whether delivery succeeded.
func (d *Dispatcher) sendMemberNotice(
	ctx context.Context,
	userID string,
	embed *discordgo.MessageEmbed,
) bool {
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		d.logger.WarnContext(
			ctx,
			"unable to open DM channel",
			tint.Err(err),
			"user_id", userID,
		)
		return false
	}
	msg, err := d.session.ChannelMessageSendComplex(
		channel.ID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	)
	if err != nil {
		d.logger.WarnContext(
			ctx,
			"unable to deliver member notice",
			tint.Err(err),
			"user_id", userID,
		)
		return false
	}

	if d.cfg.NoticeDeleteDelay > 0 {
		pending := &PendingNoticeDelete{
			ChannelID: msg.ChannelID,
			MessageID: msg.ID,
			DeleteAt:  time.Now().UTC().Add(d.cfg.NoticeDeleteDelay).UnixMilli(),
		}
		if _, createErr := d.writeDB.Create(ctx, pending); createErr != nil {
			d.logger.WarnContext(
				ctx,
				"error scheduling notice deletion",
				tint.Err(createErr),
				"message_id", msg.ID,
			)
		}
	}
	return true
}
