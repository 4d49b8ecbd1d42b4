package oubliette

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// JailMessage is a log of a message posted in a guild's jail channel.
// Rows are pruned by the retention sweep; the log exists so moderators
// can review what a restricted member said even after Discord-side
// deletion.
type JailMessage struct {
	ModelUintID
	GuildID   string `json:"guild_id" gorm:"index;not null;type:string"`
	ChannelID string `json:"channel_id" gorm:"type:string"`
	MessageID string `json:"message_id" gorm:"type:string"`
	UserID    string `json:"user_id" gorm:"index;type:string"`
	Username  string `json:"username" gorm:"type:string"`
	Content   string `json:"content" gorm:"type:string"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (JailMessage) TableName() string {
	return "jail_messages"
}

// PendingNoticeDelete schedules removal of a delivered DM notice. Rows
// survive restarts, so notices are cleaned up even if the process
// bounces between delivery and the delete time.
type PendingNoticeDelete struct {
	ModelUintID
	ChannelID string `json:"channel_id" gorm:"not null;type:string"`
	MessageID string `json:"message_id" gorm:"not null;type:string"`
	DeleteAt  int64  `json:"delete_at" gorm:"index;not null"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (PendingNoticeDelete) TableName() string {
	return "pending_notice_deletes"
}

// handlerMessageCreate logs what restricted members post in the jail
// channel and polices their mention use there. Messages from anyone not
// holding the restricted role, or anywhere else, are left alone.
func (o *Oubliette) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.GuildID == "" {
			return
		}
		settings := o.writeDB.GetGuildSettings(m.GuildID)
		if settings == nil || settings.JailChannelID == "" ||
			m.ChannelID != settings.JailChannelID {
			return
		}
		if !memberHasRole(m.Member, settings.RestrictedRoleID) {
			return
		}

		ctx := context.Background()
		o.logJailMessage(ctx, m)
		if len(m.Mentions) > 0 {
			o.policeMentions(ctx, m)
		}
	}
}

func (o *Oubliette) logJailMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	record := &JailMessage{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		Username:  m.Author.String(),
		Content:   truncate(m.Content, discordMaxMessageLength),
	}
	if _, err := o.writeDB.Create(ctx, record); err != nil {
		o.logger.ErrorContext(
			ctx,
			"error logging jail message",
			tint.Err(err),
			"guild_id", m.GuildID,
			"message_id", m.ID,
		)
	}
}

// policeMentions warns on, then removes, a restricted member's jail
// message that mentions other users. The warning stays up long enough
// to be read before both messages are deleted.
func (o *Oubliette) policeMentions(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	warning := fmt.Sprintf(
		"%s, you can't mention other members while restricted. "+
			"This message will be removed.",
		m.Author.Mention(),
	)
	warningMsg, err := o.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		warning,
		m.Reference(),
	)
	if err != nil {
		o.logger.WarnContext(
			ctx,
			"error sending mention warning",
			tint.Err(err),
			"channel_id", m.ChannelID,
		)
	}

	delay := o.config.Quarantine.MentionWarningDelay
	channelID := m.ChannelID
	messageID := m.ID
	time.AfterFunc(
		delay, func() {
			if delErr := o.discord.session.ChannelMessageDelete(
				channelID, messageID,
			); delErr != nil {
				o.logger.Warn(
					"error deleting mention message",
					tint.Err(delErr),
					"message_id", messageID,
				)
			}
			if warningMsg != nil {
				if delErr := o.discord.session.ChannelMessageDelete(
					channelID, warningMsg.ID,
				); delErr != nil {
					o.logger.Warn(
						"error deleting mention warning",
						tint.Err(delErr),
						"message_id", warningMsg.ID,
					)
				}
			}
		},
	)
}
