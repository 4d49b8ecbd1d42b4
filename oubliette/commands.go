package oubliette

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Slash command names.
const (
	commandMute             = "mute"
	commandUnmute           = "unmute"
	commandMuteList         = "mute-list"
	commandCaseInfo         = "case-info"
	commandCleanup          = "cleanup"
	commandSetup            = "setup"
	commandSetModeratorRole = "set-moderator-role"
	commandCheckPerms       = "check-perms"
	commandReapplyPerms     = "reapply-perms"
	commandAppeal           = "appeal"
	commandAppealStatus     = "appeal-status"
	commandAppealList       = "appeal-list"
	commandAppealReview     = "appeal-review"
)

// Option names.
const (
	optionUser           = "user"
	optionReason         = "reason"
	optionDuration       = "duration"
	optionSilent         = "silent"
	optionNumber         = "number"
	optionOlderThanDays  = "older-than-days"
	optionRestrictedRole = "restricted-role"
	optionJailChannel    = "jail-channel"
	optionLogChannel     = "log-channel"
	optionRole           = "role"
	optionDecision       = "decision"
	optionNote           = "note"
)

const (
	decisionApprove = "approve"
	decisionDeny    = "deny"
)

const (
	replyNotConfigured = "This server isn't set up yet. An administrator " +
		"must run /setup first."
	replyNotModerator = "You don't have permission to use this command."
	replyInternalError = "Something went wrong. Please try again later."
	replyPlatformError = "Discord is having trouble right now. " +
		"Please try again shortly."

	defaultCleanupDays = 30
)

func applicationCommands() []*discordgo.ApplicationCommand {
	two := 2
	return []*discordgo.ApplicationCommand{
		{
			Name:        commandMute,
			Description: "Restrict a member to the jail channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        optionUser,
					Description: "Member to restrict",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionReason,
					Description: "Reason for the restriction",
					Required:    true,
					MinLength:   &two,
				},
				{
					Type: discordgo.ApplicationCommandOptionString,
					Name: optionDuration,
					Description: "Duration such as 30m, 12h or 7d " +
						"(omit for indefinite)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        optionSilent,
					Description: "Don't notify the member",
				},
			},
		},
		{
			Name:        commandUnmute,
			Description: "Lift a member's restriction",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        optionUser,
					Description: "Member to release",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionReason,
					Description: "Why the restriction is being lifted",
				},
			},
		},
		{
			Name:        commandMuteList,
			Description: "List members currently restricted",
		},
		{
			Name:        commandCaseInfo,
			Description: "Show the details of a case",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionNumber,
					Description: "Case number",
					Required:    true,
				},
			},
		},
		{
			Name:        commandCleanup,
			Description: "Purge old resolved cases and their appeals",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type: discordgo.ApplicationCommandOptionInteger,
					Name: optionOlderThanDays,
					Description: fmt.Sprintf(
						"Purge cases resolved more than this many days ago (default %d)",
						defaultCleanupDays,
					),
				},
			},
		},
		{
			Name:        commandSetup,
			Description: "Configure the restricted role and channels",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        optionRestrictedRole,
					Description: "Role assigned to restricted members",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionChannel,
					Name:        optionJailChannel,
					Description: "Channel restricted members may still use",
				},
				{
					Type:        discordgo.ApplicationCommandOptionChannel,
					Name:        optionLogChannel,
					Description: "Channel for audit logs and appeal reviews",
				},
			},
		},
		{
			Name:        commandSetModeratorRole,
			Description: "Set the role allowed to manage restrictions",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        optionRole,
					Description: "Moderator role",
					Required:    true,
				},
			},
		},
		{
			Name:        commandCheckPerms,
			Description: "Report channels missing restricted-role overwrites",
		},
		{
			Name:        commandReapplyPerms,
			Description: "Reapply restricted-role overwrites to every channel",
		},
		{
			Name:        commandAppeal,
			Description: "Appeal your restriction",
		},
		{
			Name:        commandAppealStatus,
			Description: "Check the status of your latest appeal",
		},
		{
			Name:        commandAppealList,
			Description: "List appeals awaiting review",
		},
		{
			Name:        commandAppealReview,
			Description: "Decide a pending appeal",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionNumber,
					Description: "Appeal number",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionDecision,
					Description: "Approve or deny",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "Approve", Value: decisionApprove},
						{Name: "Deny", Value: decisionDeny},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionNote,
					Description: "Note shared with the member",
				},
			},
		},
	}
}

// moderatorCommands gate on the configured moderator role or the
// Administrator permission.
var moderatorCommands = map[string]bool{
	commandMute:             true,
	commandUnmute:           true,
	commandMuteList:         true,
	commandCaseInfo:         true,
	commandCleanup:          true,
	commandSetup:            true,
	commandSetModeratorRole: true,
	commandCheckPerms:       true,
	commandReapplyPerms:     true,
	commandAppealList:       true,
	commandAppealReview:     true,
}

// handleCommand routes a slash command. The appeal command responds
// with a modal and must not be deferred; everything else is acked with
// a deferred ephemeral response before the handler runs.
func (o *Oubliette) handleCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	data := i.ApplicationCommandData()
	logger := ContextLogger(ctx)

	if i.GuildID == "" {
		_ = o.discord.session.InteractionRespond(
			i.Interaction,
			ephemeralMessageResponse("Commands only work inside a server."),
		)
		return
	}

	settings, _, err := o.writeDB.GetOrCreateGuildSettings(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild settings", tint.Err(err))
		_ = o.discord.session.InteractionRespond(
			i.Interaction,
			ephemeralMessageResponse(replyInternalError),
		)
		return
	}

	if moderatorCommands[data.Name] && !memberIsModerator(i.Member, settings) {
		_ = o.discord.session.InteractionRespond(
			i.Interaction,
			ephemeralMessageResponse(replyNotModerator),
		)
		return
	}

	if data.Name == commandAppeal {
		o.handleAppealCommand(ctx, i)
		return
	}

	if err = o.discord.session.InteractionRespond(
		i.Interaction,
		o.discord.ackResponse(true),
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	switch data.Name {
	case commandMute:
		o.handleMute(ctx, i, settings)
	case commandUnmute:
		o.handleUnmute(ctx, i, settings)
	case commandMuteList:
		o.handleMuteList(ctx, i)
	case commandCaseInfo:
		o.handleCaseInfo(ctx, i)
	case commandCleanup:
		o.handleCleanup(ctx, i)
	case commandSetup:
		o.handleSetup(ctx, i)
	case commandSetModeratorRole:
		o.handleSetModeratorRole(ctx, i)
	case commandCheckPerms:
		o.handleCheckPerms(ctx, i, settings)
	case commandReapplyPerms:
		o.handleReapplyPerms(ctx, i, settings)
	case commandAppealStatus:
		o.handleAppealStatus(ctx, i)
	case commandAppealList:
		o.handleAppealList(ctx, i)
	case commandAppealReview:
		o.handleAppealReview(ctx, i, settings)
	default:
		logger.WarnContext(ctx, "unknown command", "command", data.Name)
		o.interactionReply(ctx, i, replyInternalError)
	}
}

// handleComponent routes review button clicks.
func (o *Oubliette) handleComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := ContextLogger(ctx)
	data := i.MessageComponentData()

	customID, err := decodeCustomID(data.CustomID)
	if err != nil {
		logger.WarnContext(
			ctx,
			"unrecognized component",
			tint.Err(err),
			"custom_id", data.CustomID,
		)
		return
	}

	settings, _, err := o.writeDB.GetOrCreateGuildSettings(ctx, customID.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild settings", tint.Err(err))
		return
	}
	if !memberIsModerator(i.Member, settings) {
		_ = o.discord.session.InteractionRespond(
			i.Interaction,
			ephemeralMessageResponse(replyNotModerator),
		)
		return
	}

	if err = o.discord.session.InteractionRespond(
		i.Interaction,
		o.discord.ackResponse(true),
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	appeal, err := getAppeal(ctx, o.db, customID.GuildID, customID.AppealID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			o.interactionReply(ctx, i, "That appeal no longer exists.")
			return
		}
		logger.ErrorContext(ctx, "error loading appeal", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}

	reply := o.decideAppeal(
		ctx,
		settings,
		appeal,
		interactionUser(i).ID,
		customID.Action == ReviewButtonApprove,
		"",
	)
	o.interactionReply(ctx, i, reply)
}

// handleModal routes appeal modal submissions.
func (o *Oubliette) handleModal(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := ContextLogger(ctx)
	data := i.ModalSubmitData()
	if data.CustomID != appealModalCustomID {
		logger.WarnContext(ctx, "unknown modal", "custom_id", data.CustomID)
		return
	}

	if err := o.discord.session.InteractionRespond(
		i.Interaction,
		o.discord.ackResponse(true),
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	input := getTextInputFromInteraction(data)
	if input == nil {
		o.interactionReply(ctx, i, replyInternalError)
		return
	}
	u := interactionUser(i)

	appeal, c, err := createAppeal(
		ctx, o.writeDB, o.config.Quarantine, NewAppealParams{
			GuildID:  i.GuildID,
			UserID:   u.ID,
			Username: u.Username,
			Body:     input.Value,
		},
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			o.interactionReply(
				ctx, i, fmt.Sprintf(
					"Your appeal must be between %d and %d characters.",
					o.config.Quarantine.AppealMinLength,
					o.config.Quarantine.AppealMaxLength,
				),
			)
		case errors.Is(err, ErrNotEligible):
			o.interactionReply(ctx, i, "You don't have an active restriction to appeal.")
		case errors.Is(err, ErrDuplicatePending):
			o.interactionReply(
				ctx, i, "You already have an appeal awaiting review.",
			)
		case errors.Is(err, ErrCooldownActive):
			o.interactionReply(ctx, i, cooldownReply(err))
		default:
			logger.ErrorContext(ctx, "error creating appeal", tint.Err(err))
			o.interactionReply(ctx, i, replyInternalError)
		}
		return
	}

	settings := o.writeDB.GetGuildSettings(i.GuildID)
	if promptErr := o.dispatcher.PostReviewPrompt(
		ctx, settings, appeal, c,
	); promptErr != nil {
		logger.ErrorContext(
			ctx,
			"error posting review prompt",
			tint.Err(promptErr),
			"appeal", appeal,
		)
		o.dispatcher.Alert(ctx, "failed to post appeal review prompt", promptErr)
	}
	o.interactionReply(
		ctx, i, fmt.Sprintf(
			"Your appeal `#%d` has been submitted. "+
				"You'll be notified when it's reviewed.",
			appeal.AppealID,
		),
	)
}

func (o *Oubliette) handleMute(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	settings *GuildSettings,
) {
	logger := ContextLogger(ctx)
	if !settings.Configured() {
		o.interactionReply(ctx, i, replyNotConfigured)
		return
	}
	opts := discordInteractionOptions(i)

	target := opts[optionUser].UserValue(nil)
	if resolved, ok := i.ApplicationCommandData().Resolved.Users[target.ID]; ok {
		target = resolved
	}
	if target.Bot {
		o.interactionReply(ctx, i, "Bots can't be restricted.")
		return
	}

	var duration time.Duration
	if opt, ok := opts[optionDuration]; ok {
		var err error
		duration, err = parseRestrictionDuration(opt.StringValue())
		if err != nil {
			o.interactionReply(
				ctx, i,
				"Invalid duration. Use a number followed by s, m, h or d "+
					"(for example `12h`), up to 365d.",
			)
			return
		}
	}
	var silent bool
	if opt, ok := opts[optionSilent]; ok {
		silent = opt.BoolValue()
	}
	moderator := interactionUser(i)

	c, err := createCase(
		ctx, o.writeDB, o.config.Quarantine.ReasonMaxLength, NewCaseParams{
			GuildID:     i.GuildID,
			UserID:      target.ID,
			Username:    target.Username,
			ModeratorID: moderator.ID,
			Reason:      opts[optionReason].StringValue(),
			Silent:      silent,
			Duration:    duration,
		},
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotEligible):
			o.interactionReply(
				ctx, i, fmt.Sprintf(
					"%s already has an active restriction.", target.Mention(),
				),
			)
		case errors.Is(err, ErrInvalidInput):
			o.interactionReply(
				ctx, i, fmt.Sprintf(
					"Invalid input: reasons are limited to %d characters.",
					o.config.Quarantine.ReasonMaxLength,
				),
			)
		default:
			logger.ErrorContext(ctx, "error creating case", tint.Err(err))
			o.interactionReply(ctx, i, replyInternalError)
		}
		return
	}

	if err = o.enforcer.Restrict(ctx, settings, c); err != nil {
		logger.ErrorContext(
			ctx, "error applying restriction", tint.Err(err), "case", c,
		)
		if recordErr := setCaseEnforcementError(
			ctx, o.writeDB, c, err,
		); recordErr != nil {
			logger.ErrorContext(
				ctx, "error recording enforcement failure", tint.Err(recordErr),
			)
		}
		// Roll the ledger back rather than leave a case that isn't
		// actually enforced.
		if _, rbErr := resolveCase(
			ctx, o.writeDB, c, systemActorID, ResolveCauseLifted,
			"role assignment failed",
		); rbErr != nil {
			logger.ErrorContext(ctx, "error rolling back case", tint.Err(rbErr))
		}
		o.dispatcher.Alert(ctx, "failed to apply restricted role", err)
		o.interactionReply(ctx, i, replyPlatformError)
		return
	}

	notified := o.dispatcher.NotifyRestricted(ctx, settings, c)
	if notified {
		if dmErr := setCaseDMSent(ctx, o.writeDB, c, true); dmErr != nil {
			logger.ErrorContext(
				ctx, "error recording notice delivery", tint.Err(dmErr),
			)
		}
	}
	o.dispatcher.LogCaseEvent(ctx, settings, caseOpenedEmbed(c))

	reply := fmt.Sprintf(
		"Case `#%d`: %s is now restricted.", c.CaseID, target.Mention(),
	)
	if c.ExpiresAt != nil {
		reply = fmt.Sprintf(
			"%s Expires in %s.", reply, humanizeDuration(time.Until(*c.ExpiresAt)),
		)
	}
	if !silent && !notified {
		reply += " (The member could not be notified by DM.)"
	}
	o.interactionReply(ctx, i, reply)
}

func (o *Oubliette) handleUnmute(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	settings *GuildSettings,
) {
	logger := ContextLogger(ctx)
	opts := discordInteractionOptions(i)
	target := opts[optionUser].UserValue(nil)
	var liftReason string
	if opt, ok := opts[optionReason]; ok {
		liftReason = opt.StringValue()
	}

	c, err := activeCaseForUser(ctx, o.db, i.GuildID, target.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			o.interactionReply(ctx, i, "That member isn't restricted.")
			return
		}
		logger.ErrorContext(ctx, "error loading case", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}

	moderator := interactionUser(i)
	resolved, err := resolveCase(
		ctx, o.writeDB, c, moderator.ID, ResolveCauseLifted, liftReason,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error resolving case", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}
	if !resolved {
		o.interactionReply(
			ctx, i, fmt.Sprintf("Case `#%d` was already resolved.", c.CaseID),
		)
		return
	}

	if err = o.enforcer.Release(ctx, settings, c); err != nil {
		logger.ErrorContext(
			ctx, "error releasing member", tint.Err(err), "case", c,
		)
		if recordErr := setCaseEnforcementError(
			ctx, o.writeDB, c, err,
		); recordErr != nil {
			logger.ErrorContext(
				ctx, "error recording enforcement failure", tint.Err(recordErr),
			)
		}
		o.dispatcher.Alert(ctx, "failed to remove restricted role", err)
		o.interactionReply(
			ctx, i, fmt.Sprintf(
				"Case `#%d` is resolved, but the role could not be removed. "+
					"Remove it manually or try /unmute again later.",
				c.CaseID,
			),
		)
		return
	}

	o.dispatcher.NotifyReleased(ctx, c)
	o.dispatcher.LogCaseEvent(ctx, settings, caseResolvedEmbed(c, moderator.ID))
	o.interactionReply(
		ctx, i, fmt.Sprintf(
			"Case `#%d` resolved: %s has been released.",
			c.CaseID, target.Mention(),
		),
	)
}

func (o *Oubliette) handleMuteList(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := ContextLogger(ctx)
	cases, err := activeCases(ctx, o.db, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error listing cases", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}
	if len(cases) == 0 {
		o.interactionReply(ctx, i, "Nobody is currently restricted.")
		return
	}

	lines := make([]string, 0, len(cases))
	for idx := range cases {
		c := &cases[idx]
		line := fmt.Sprintf("`#%d` <@%s>", c.CaseID, c.UserID)
		if c.ExpiresAt != nil {
			line = fmt.Sprintf(
				"%s expires in %s", line, humanizeDuration(time.Until(*c.ExpiresAt)),
			)
		} else {
			line += " indefinite"
		}
		lines = append(
			lines,
			fmt.Sprintf("%s: %s", line, truncate(c.Reason, 80)),
		)
	}
	o.interactionReply(
		ctx, i, truncate(strings.Join(lines, "\n"), discordMaxMessageLength),
	)
}

func (o *Oubliette) handleCaseInfo(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := ContextLogger(ctx)
	opts := discordInteractionOptions(i)
	caseID := opts[optionNumber].IntValue()

	c, err := getCase(ctx, o.db, i.GuildID, caseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			o.interactionReply(
				ctx, i, fmt.Sprintf("No case `#%d` in this server.", caseID),
			)
			return
		}
		logger.ErrorContext(ctx, "error loading case", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}

	var b strings.Builder
	fmt.Fprintf(
		&b, "**Case `#%d`** (%s)\nMember: <@%s>\nModerator: <@%s>\nReason: %s\n",
		c.CaseID, c.Status, c.UserID, c.ModeratorID,
		truncate(c.Reason, discordMaxEmbedFieldLength),
	)
	if c.ExpiresAt != nil && c.Status == CaseStatusActive {
		fmt.Fprintf(
			&b, "Expires: in %s\n", humanizeDuration(time.Until(*c.ExpiresAt)),
		)
	}
	if c.Status == CaseStatusResolved {
		fmt.Fprintf(&b, "Resolution: %s", c.ResolveCause)
		if c.ResolvedBy != "" && c.ResolvedBy != systemActorID {
			fmt.Fprintf(&b, " by <@%s>", c.ResolvedBy)
		}
		b.WriteString("\n")
		if c.LiftReason != "" {
			fmt.Fprintf(
				&b, "Note: %s\n", truncate(c.LiftReason, discordMaxEmbedFieldLength),
			)
		}
	}

	var appeals []Appeal
	if err = o.db.WithContext(ctx).Where(
		"guild_id = ? AND case_id = ?", i.GuildID, c.CaseID,
	).Order("appeal_id asc").Find(&appeals).Error; err == nil {
		for idx := range appeals {
			a := &appeals[idx]
			fmt.Fprintf(&b, "Appeal `#%d`: %s\n", a.AppealID, a.Status)
		}
	}
	o.interactionReply(
		ctx, i, truncate(b.String(), discordMaxMessageLength),
	)
}

func (o *Oubliette) handleCleanup(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := ContextLogger(ctx)
	opts := discordInteractionOptions(i)
	days := int64(defaultCleanupDays)
	if opt, ok := opts[optionOlderThanDays]; ok {
		days = opt.IntValue()
	}
	if days < 1 {
		o.interactionReply(ctx, i, "The retention window must be at least one day.")
		return
	}

	casesRemoved, appealsRemoved, err := cleanupResolvedCases(
		ctx, o.writeDB, i.GuildID, time.Duration(days)*24*time.Hour,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error cleaning up cases", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}
	o.interactionReply(
		ctx, i, fmt.Sprintf(
			"Removed %d resolved case(s) and %d associated appeal(s) "+
				"older than %d day(s).",
			casesRemoved, appealsRemoved, days,
		),
	)
}

func (o *Oubliette) handleSetup(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := ContextLogger(ctx)
	opts := discordInteractionOptions(i)

	updates := map[string]any{
		columnGuildSettingsRestrictedRoleID: opts[optionRestrictedRole].
			RoleValue(nil, "").ID,
	}
	if opt, ok := opts[optionJailChannel]; ok {
		updates[columnGuildSettingsJailChannelID] = opt.ChannelValue(nil).ID
	}
	if opt, ok := opts[optionLogChannel]; ok {
		updates[columnGuildSettingsLogChannelID] = opt.ChannelValue(nil).ID
	}

	settings, err := o.UpdateGuildSettings(ctx, i.GuildID, updates)
	if err != nil {
		logger.ErrorContext(ctx, "error updating guild settings", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}

	applied, failed, err := o.enforcer.ApplyOverwrites(ctx, settings)
	if err != nil {
		logger.ErrorContext(ctx, "error applying overwrites", tint.Err(err))
		o.interactionReply(
			ctx, i,
			"Settings saved, but channel permissions could not be applied. "+
				"Run /reapply-perms to retry.",
		)
		return
	}
	reply := fmt.Sprintf(
		"Setup complete. Overwrites applied to %d channel(s).", applied,
	)
	if len(failed) > 0 {
		reply = fmt.Sprintf(
			"%s %d channel(s) failed; run /check-perms for details.",
			reply, len(failed),
		)
	}
	o.interactionReply(ctx, i, reply)
}

func (o *Oubliette) handleSetModeratorRole(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := ContextLogger(ctx)
	opts := discordInteractionOptions(i)
	role := opts[optionRole].RoleValue(nil, "")

	if _, err := o.UpdateGuildSettings(
		ctx, i.GuildID, map[string]any{
			columnGuildSettingsModeratorRoleID: role.ID,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error updating guild settings", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}
	o.interactionReply(
		ctx, i, fmt.Sprintf("Moderator role set to <@&%s>.", role.ID),
	)
}

func (o *Oubliette) handleCheckPerms(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	settings *GuildSettings,
) {
	logger := ContextLogger(ctx)
	if !settings.Configured() {
		o.interactionReply(ctx, i, replyNotConfigured)
		return
	}
	channels, err := o.discord.session.GuildChannels(i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error listing channels", tint.Err(err))
		o.interactionReply(ctx, i, replyPlatformError)
		return
	}

	var missing []string
	for _, channel := range channels {
		if ok := channelOverwriteCurrent(channel, settings); !ok {
			missing = append(missing, fmt.Sprintf("<#%s>", channel.ID))
		}
	}
	if len(missing) == 0 {
		o.interactionReply(
			ctx, i, fmt.Sprintf(
				"All %d channel(s) have the expected overwrites.", len(channels),
			),
		)
		return
	}
	o.interactionReply(
		ctx, i, truncate(
			fmt.Sprintf(
				"%d channel(s) missing overwrites: %s\nRun /reapply-perms to fix.",
				len(missing), strings.Join(missing, " "),
			),
			discordMaxMessageLength,
		),
	)
}

func (o *Oubliette) handleReapplyPerms(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	settings *GuildSettings,
) {
	logger := ContextLogger(ctx)
	if !settings.Configured() {
		o.interactionReply(ctx, i, replyNotConfigured)
		return
	}
	applied, failed, err := o.enforcer.ApplyOverwrites(ctx, settings)
	if err != nil {
		logger.ErrorContext(ctx, "error applying overwrites", tint.Err(err))
		o.interactionReply(ctx, i, replyPlatformError)
		return
	}
	reply := fmt.Sprintf("Overwrites applied to %d channel(s).", applied)
	if len(failed) > 0 {
		reply = fmt.Sprintf("%s %d channel(s) failed.", reply, len(failed))
	}
	o.interactionReply(ctx, i, reply)
}

// handleAppealCommand responds with the appeal modal. The response must
// be the modal itself, so eligibility is checked before responding.
func (o *Oubliette) handleAppealCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := ContextLogger(ctx)
	u := interactionUser(i)

	if _, err := activeCaseForUser(ctx, o.db, i.GuildID, u.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = o.discord.session.InteractionRespond(
				i.Interaction,
				ephemeralMessageResponse(
					"You don't have an active restriction to appeal.",
				),
			)
			return
		}
		logger.ErrorContext(ctx, "error loading case", tint.Err(err))
		_ = o.discord.session.InteractionRespond(
			i.Interaction,
			ephemeralMessageResponse(replyInternalError),
		)
		return
	}

	if err := o.discord.session.InteractionRespond(
		i.Interaction,
		appealModalResponse(
			o.config.Quarantine.AppealMinLength,
			o.config.Quarantine.AppealMaxLength,
		),
	); err != nil {
		logger.ErrorContext(ctx, "error opening appeal modal", tint.Err(err))
	}
}

func (o *Oubliette) handleAppealStatus(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := ContextLogger(ctx)
	u := interactionUser(i)

	appeal, err := latestAppealForUser(ctx, o.db, i.GuildID, u.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			o.interactionReply(ctx, i, "You haven't submitted any appeals here.")
			return
		}
		logger.ErrorContext(ctx, "error loading appeal", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}

	var b strings.Builder
	fmt.Fprintf(
		&b, "Appeal `#%d` (case `#%d`): **%s**\n",
		appeal.AppealID, appeal.CaseID, appeal.Status,
	)
	switch appeal.Status {
	case AppealStatusPending:
		b.WriteString("A moderator will review it soon.")
	case AppealStatusDenied:
		eligible := time.UnixMilli(appeal.CreatedAt).Add(
			o.config.Quarantine.AppealCooldown,
		)
		if remaining := time.Until(eligible); remaining > 0 {
			fmt.Fprintf(
				&b, "You may appeal again in %s.", humanizeDuration(remaining),
			)
		} else {
			b.WriteString("You may submit a new appeal.")
		}
	case AppealStatusExpired:
		b.WriteString("It wasn't reviewed in time. You may submit a new appeal.")
	}
	if appeal.ReviewNote != "" {
		fmt.Fprintf(
			&b, "\nReviewer note: %s",
			truncate(appeal.ReviewNote, discordMaxEmbedFieldLength),
		)
	}
	o.interactionReply(ctx, i, b.String())
}

func (o *Oubliette) handleAppealList(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := ContextLogger(ctx)
	appeals, err := pendingAppeals(ctx, o.db, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error listing appeals", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}
	if len(appeals) == 0 {
		o.interactionReply(ctx, i, "No appeals are waiting for review.")
		return
	}

	deadline := o.config.Quarantine.AppealReviewTimeout
	lines := make([]string, 0, len(appeals))
	for idx := range appeals {
		a := &appeals[idx]
		submitted := time.UnixMilli(a.CreatedAt)
		lines = append(
			lines, fmt.Sprintf(
				"`#%d` <@%s> (case `#%d`) expires in %s",
				a.AppealID, a.UserID, a.CaseID,
				humanizeDuration(time.Until(submitted.Add(deadline))),
			),
		)
	}
	o.interactionReply(
		ctx, i, truncate(strings.Join(lines, "\n"), discordMaxMessageLength),
	)
}

func (o *Oubliette) handleAppealReview(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	settings *GuildSettings,
) {
	logger := ContextLogger(ctx)
	opts := discordInteractionOptions(i)
	appealID := opts[optionNumber].IntValue()
	approve := opts[optionDecision].StringValue() == decisionApprove
	var note string
	if opt, ok := opts[optionNote]; ok {
		note = opt.StringValue()
	}

	appeal, err := getAppeal(ctx, o.db, i.GuildID, appealID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			o.interactionReply(
				ctx, i, fmt.Sprintf("No appeal `#%d` in this server.", appealID),
			)
			return
		}
		logger.ErrorContext(ctx, "error loading appeal", tint.Err(err))
		o.interactionReply(ctx, i, replyInternalError)
		return
	}

	reply := o.decideAppeal(
		ctx, settings, appeal, interactionUser(i).ID, approve, note,
	)
	o.interactionReply(ctx, i, reply)
}

// decideAppeal applies a review decision and performs the follow-on
// work: releasing the member on approval, notifying the appellant, and
// retiring the review prompt. Returns the reviewer-facing reply.
func (o *Oubliette) decideAppeal(
	ctx context.Context,
	settings *GuildSettings,
	appeal *Appeal,
	reviewerID string,
	approve bool,
	note string,
) string {
	logger := ContextLogger(ctx)

	decided, err := reviewAppeal(ctx, o.writeDB, appeal, reviewerID, approve, note)
	if err != nil {
		logger.ErrorContext(
			ctx, "error reviewing appeal", tint.Err(err), "appeal", appeal,
		)
		return replyInternalError
	}
	if !decided {
		// The in-memory copy may predate the winning decision; reload so
		// the reply names the status that actually stuck.
		status := appeal.Status
		if fresh, readErr := getAppeal(
			ctx, o.db, appeal.GuildID, appeal.AppealID,
		); readErr == nil {
			status = fresh.Status
		}
		return fmt.Sprintf(
			"Appeal `#%d` was already decided (%s).", appeal.AppealID, status,
		)
	}

	if approve {
		c, caseErr := getCase(ctx, o.db, appeal.GuildID, appeal.CaseID)
		if caseErr != nil {
			logger.ErrorContext(ctx, "error loading case", tint.Err(caseErr))
		} else if releaseErr := o.enforcer.Release(
			ctx, settings, c,
		); releaseErr != nil {
			logger.ErrorContext(
				ctx, "error releasing member", tint.Err(releaseErr), "case", c,
			)
			if recordErr := setCaseEnforcementError(
				ctx, o.writeDB, c, releaseErr,
			); recordErr != nil {
				logger.ErrorContext(
					ctx, "error recording enforcement failure", tint.Err(recordErr),
				)
			}
			o.dispatcher.Alert(ctx, "failed to remove restricted role", releaseErr)
		} else {
			o.dispatcher.LogCaseEvent(
				ctx, settings, caseResolvedEmbed(c, reviewerID),
			)
		}
	}

	o.dispatcher.NotifyAppealOutcome(ctx, appeal)
	o.dispatcher.RetireReviewPrompt(ctx, appeal)

	if approve {
		return fmt.Sprintf(
			"Appeal `#%d` approved: case `#%d` resolved and <@%s> released.",
			appeal.AppealID, appeal.CaseID, appeal.UserID,
		)
	}
	return fmt.Sprintf("Appeal `#%d` denied.", appeal.AppealID)
}

// interactionReply edits the deferred response with the final content.
func (o *Oubliette) interactionReply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	_, err := o.discord.session.InteractionResponseEdit(
		i.Interaction, &discordgo.WebhookEdit{Content: &content},
	)
	if err != nil {
		ContextLogger(ctx).ErrorContext(
			ctx,
			"error editing interaction response",
			tint.Err(err),
			slog.Group("interaction", interactionLogAttrs(*i)...),
		)
	}
}

func ephemeralMessageResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// channelOverwriteCurrent reports whether the channel already carries
// the expected restricted-role overwrite.
func channelOverwriteCurrent(
	channel *discordgo.Channel,
	settings *GuildSettings,
) bool {
	var wantAllow, wantDeny int64
	if channel.ID == settings.JailChannelID {
		wantAllow = jailAllowPermissions
	} else {
		wantDeny = restrictedDenyPermissions
	}
	for _, overwrite := range channel.PermissionOverwrites {
		if overwrite.Type != discordgo.PermissionOverwriteTypeRole ||
			overwrite.ID != settings.RestrictedRoleID {
			continue
		}
		return overwrite.Allow&wantAllow == wantAllow &&
			overwrite.Deny&wantDeny == wantDeny
	}
	return false
}

// cooldownReply surfaces the remaining cooldown from a wrapped
// ErrCooldownActive.
func cooldownReply(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		return fmt.Sprintf(
			"You recently submitted an appeal. You may %s.", msg[idx+2:],
		)
	}
	return "You recently submitted an appeal. Please wait before appealing again."
}
