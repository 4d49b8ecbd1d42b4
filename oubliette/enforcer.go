package oubliette

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// restrictedDenyPermissions are denied to the restricted role everywhere
// outside the jail channel.
const restrictedDenyPermissions = discordgo.PermissionSendMessages |
	discordgo.PermissionSendMessagesInThreads |
	discordgo.PermissionAddReactions |
	discordgo.PermissionVoiceSpeak

// jailAllowPermissions are granted to the restricted role in the jail
// channel so restricted members can still communicate there.
const jailAllowPermissions = discordgo.PermissionViewChannel |
	discordgo.PermissionSendMessages

const overwriteBaseBackoff = 250 * time.Millisecond
const overwriteMaxBackoff = 4 * time.Second

// Enforcer applies and removes restriction side effects on Discord: the
// restricted role on members, and the permission overwrites that make
// the role meaningful across the guild's channels.
//
// Overwrite application is paced by a per-guild rate limiter sized to the
// guild's channel count, and serialized per guild so two reapply passes
// cannot interleave.
type Enforcer struct {
	session DiscordSessionHandler
	logger  *slog.Logger
	cfg     *QuarantineConfig

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	guildMu     sync.Mutex
	guildLocks  map[string]*sync.Mutex
	jitterValue func() time.Duration
}

func newEnforcer(
	session DiscordSessionHandler,
	cfg *QuarantineConfig,
	logger *slog.Logger,
) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		session:    session,
		logger:     logger.With(loggerNameKey, "enforcer"),
		cfg:        cfg,
		limiters:   map[string]*rate.Limiter{},
		guildLocks: map[string]*sync.Mutex{},
		jitterValue: func() time.Duration {
			return time.Duration(rand.Int63n(int64(overwriteBaseBackoff)))
		},
	}
}

// Restrict assigns the restricted role to the case's member, retrying
// transient platform failures.
func (e *Enforcer) Restrict(
	ctx context.Context,
	settings *GuildSettings,
	c *Case,
) error {
	if settings == nil || !settings.Configured() {
		return fmt.Errorf("%w: restricted role not configured", ErrInvalidInput)
	}
	err := e.retryPlatformCall(
		ctx, func() error {
			return e.session.GuildMemberRoleAdd(
				c.GuildID,
				c.UserID,
				settings.RestrictedRoleID,
			)
		},
	)
	if err != nil {
		e.logger.ErrorContext(
			ctx,
			"error assigning restricted role",
			tint.Err(err),
			"case", c,
		)
		return fmt.Errorf("%w: %s", ErrPlatformUnavailable, err)
	}
	e.logger.InfoContext(ctx, "assigned restricted role", "case", c)
	return nil
}

// Release removes the restricted role from the case's member. A member
// who already left the guild is not an error; the ledger transition has
// already happened and the role is gone with them.
func (e *Enforcer) Release(
	ctx context.Context,
	settings *GuildSettings,
	c *Case,
) error {
	if settings == nil || settings.RestrictedRoleID == "" {
		return nil
	}
	err := e.retryPlatformCall(
		ctx, func() error {
			rmErr := e.session.GuildMemberRoleRemove(
				c.GuildID,
				c.UserID,
				settings.RestrictedRoleID,
			)
			if rmErr != nil && isDiscordNotFound(rmErr) {
				e.logger.InfoContext(
					ctx,
					"member or role gone, nothing to release",
					"case", c,
				)
				return nil
			}
			return rmErr
		},
	)
	if err != nil {
		e.logger.ErrorContext(
			ctx,
			"error removing restricted role",
			tint.Err(err),
			"case", c,
		)
		return fmt.Errorf("%w: %s", ErrPlatformUnavailable, err)
	}
	e.logger.InfoContext(ctx, "removed restricted role", "case", c)
	return nil
}

// guildLock returns the mutex serializing overwrite passes for a guild.
func (e *Enforcer) guildLock(guildID string) *sync.Mutex {
	e.guildMu.Lock()
	defer e.guildMu.Unlock()
	mu, ok := e.guildLocks[guildID]
	if !ok {
		mu = &sync.Mutex{}
		e.guildLocks[guildID] = mu
	}
	return mu
}

// guildLimiter returns the guild's overwrite pacer, sized to its channel
// count: small guilds get a faster burn rate than sprawling ones.
func (e *Enforcer) guildLimiter(guildID string, channelCount int) *rate.Limiter {
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()
	limiter, ok := e.limiters[guildID]
	if !ok {
		limiter = rate.NewLimiter(overwriteRate(channelCount), 1)
		e.limiters[guildID] = limiter
	} else {
		limiter.SetLimit(overwriteRate(channelCount))
	}
	return limiter
}

func overwriteRate(channelCount int) rate.Limit {
	switch {
	case channelCount <= 50:
		return rate.Limit(4)
	case channelCount <= 200:
		return rate.Limit(2)
	default:
		return rate.Limit(1)
	}
}

// ApplyOverwrites walks every channel in the guild and installs the
// restricted-role permission overwrites: the deny set everywhere,
// replaced by the allow set on the jail channel. Category channels go
// first so synced children inherit before their own overwrites land.
//
// Channel IDs that still fail after the configured attempts are returned;
// a partial pass is not an error.
func (e *Enforcer) ApplyOverwrites(
	ctx context.Context,
	settings *GuildSettings,
) (applied int, failed []string, err error) {
	if settings == nil || !settings.Configured() {
		return 0, nil, fmt.Errorf(
			"%w: restricted role not configured",
			ErrInvalidInput,
		)
	}

	mu := e.guildLock(settings.GuildID)
	mu.Lock()
	defer mu.Unlock()

	channels, err := e.session.GuildChannels(settings.GuildID)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s", ErrPlatformUnavailable, err)
	}

	limiter := e.guildLimiter(settings.GuildID, len(channels))

	var categories []*discordgo.Channel
	var rest []*discordgo.Channel
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory {
			categories = append(categories, ch)
		} else {
			rest = append(rest, ch)
		}
	}

	for _, ch := range append(categories, rest...) {
		if ctx.Err() != nil {
			return applied, failed, ctx.Err()
		}
		if waitErr := limiter.Wait(ctx); waitErr != nil {
			return applied, failed, waitErr
		}

		allow := int64(0)
		deny := int64(restrictedDenyPermissions)
		if ch.ID == settings.JailChannelID {
			allow = jailAllowPermissions
			deny = 0
		}

		if setErr := e.setOverwrite(
			ctx,
			ch.ID,
			settings.RestrictedRoleID,
			allow,
			deny,
		); setErr != nil {
			e.logger.WarnContext(
				ctx,
				"overwrite failed after retries",
				tint.Err(setErr),
				"channel_id", ch.ID,
				"guild_id", settings.GuildID,
			)
			failed = append(failed, ch.ID)
			continue
		}
		applied++
	}

	e.logger.InfoContext(
		ctx,
		"applied channel overwrites",
		"guild_id", settings.GuildID,
		"applied", applied,
		"failed", len(failed),
	)
	return applied, failed, nil
}

// setOverwrite installs a single permission overwrite, retrying with
// capped exponential backoff and jitter.
func (e *Enforcer) setOverwrite(
	ctx context.Context,
	channelID string,
	roleID string,
	allow int64,
	deny int64,
) error {
	return e.retryPlatformCall(
		ctx, func() error {
			return e.session.ChannelPermissionSet(
				channelID,
				roleID,
				discordgo.PermissionOverwriteTypeRole,
				allow,
				deny,
			)
		},
	)
}

// retryPlatformCall runs fn up to the configured attempt budget, with
// capped exponential backoff and jitter between attempts.
func (e *Enforcer) retryPlatformCall(
	ctx context.Context,
	fn func() error,
) error {
	maxAttempts := e.cfg.OverwriteMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultOverwriteMaxAttempts
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		backoff := overwriteBackoff(attempt) + e.jitterValue()
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// overwriteBackoff returns the delay before retry attempt+1: 250ms
// doubling per attempt, capped at 4s.
func overwriteBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := overwriteBaseBackoff << (attempt - 1)
	if backoff > overwriteMaxBackoff || backoff <= 0 {
		return overwriteMaxBackoff
	}
	return backoff
}
