package oubliette

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

var (
	columnGuildSettingsRestrictedRoleID = "restricted_role_id"
	columnGuildSettingsJailChannelID    = "jail_channel_id"
	columnGuildSettingsLogChannelID     = "log_channel_id"
	columnGuildSettingsModeratorRoleID  = "moderator_role_id"
)

// GuildSettings holds per-guild moderation wiring: the role applied to
// restricted members, the channel they are confined to, where audit
// embeds are posted, and which role grants review permission.
//
//nolint:lll // struct tags can't be split
type GuildSettings struct {
	ModelUintID

	// GuildID is the Discord guild (server) ID
	GuildID string `json:"guild_id" gorm:"uniqueIndex;type:string"`

	// RestrictedRoleID is the role assigned to restricted members
	RestrictedRoleID string `json:"restricted_role_id" gorm:"column:restricted_role_id;type:string"`

	// JailChannelID is the only channel restricted members may speak in
	JailChannelID string `json:"jail_channel_id" gorm:"column:jail_channel_id;type:string"`

	// LogChannelID receives audit embeds for case and appeal events
	LogChannelID string `json:"log_channel_id" gorm:"column:log_channel_id;type:string"`

	// ModeratorRoleID grants restriction and appeal review permission,
	// in addition to guild administrators
	ModeratorRoleID string `json:"moderator_role_id" gorm:"column:moderator_role_id;type:string"`

	ModelUnixTime
}

func (GuildSettings) TableName() string {
	return "guild_settings"
}

func (g GuildSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("restricted_role_id", g.RestrictedRoleID),
		slog.String("jail_channel_id", g.JailChannelID),
		slog.String("moderator_role_id", g.ModeratorRoleID),
	)
}

// Configured reports whether the settings carry the minimum wiring for
// enforcement: a restricted role to assign.
func (g GuildSettings) Configured() bool {
	return g.RestrictedRoleID != ""
}

// memberIsModerator reports whether the member may restrict members and
// review appeals: guild administrators always, plus holders of the
// configured moderator role.
func memberIsModerator(m *discordgo.Member, settings *GuildSettings) bool {
	if m == nil {
		return false
	}
	if m.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	if settings == nil {
		return false
	}
	return memberHasRole(m, settings.ModeratorRoleID)
}

// memberHasRole reports whether the member carries the given role.
func memberHasRole(m *discordgo.Member, roleID string) bool {
	if m == nil || roleID == "" {
		return false
	}
	for _, id := range m.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}

// UpdateGuildSettings persists the given column updates and refreshes the
// in-memory cache, notifying any other instances.
func (o *Oubliette) UpdateGuildSettings(
	ctx context.Context,
	guildID string,
	updates map[string]any,
) (*GuildSettings, error) {
	settings, _, err := o.writeDB.GetOrCreateGuildSettings(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if _, err = o.writeDB.Updates(ctx, settings, updates); err != nil {
		return nil, fmt.Errorf("error updating guild settings: %w", err)
	}
	settings = o.writeDB.ReloadGuildSettings(guildID)
	if o.dbNotifier != nil {
		o.dbNotifier.GuildSettingsUpdated(ctx, guildID)
	}
	return settings, nil
}
