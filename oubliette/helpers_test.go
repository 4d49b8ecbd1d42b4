package oubliette

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRestrictionDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{input: "30s", expected: 30 * time.Second},
		{input: "10m", expected: 10 * time.Minute},
		{input: "2h", expected: 2 * time.Hour},
		{input: "7d", expected: 7 * 24 * time.Hour},
		{input: " 45m ", expected: 45 * time.Minute},
		{input: "365d", expected: 365 * 24 * time.Hour},
		{input: "366d", wantErr: true},
		{input: "0m", wantErr: true},
		{input: "", wantErr: true},
		{input: "10", wantErr: true},
		{input: "m", wantErr: true},
		{input: "-5m", wantErr: true},
		{input: "1.5h", wantErr: true},
		{input: "1w", wantErr: true},
		{input: "10 m", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			d, err := parseRestrictionDuration(tc.input)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, d)
		})
	}
}

func TestHumanizeDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{input: 30 * time.Second, expected: "30s"},
		{input: 45 * time.Minute, expected: "45m"},
		{input: 90 * time.Minute, expected: "1h 30m"},
		{input: 52 * time.Hour, expected: "2d 4h"},
		{input: 24 * time.Hour, expected: "1d"},
		{input: 24*time.Hour + 61*time.Second, expected: "1d 1m 1s"},
		{input: 500 * time.Millisecond, expected: "1s"},
		{input: 0, expected: "1s"},
	}
	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, humanizeDuration(tc.input))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "héll", truncate("héllo", 4))
	assert.Equal(t, "", truncate("", 5))
}

func TestChunkItems(t *testing.T) {
	chunks := chunkItems(2, "a", "b", "c", "d", "e")
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a", "b"}, chunks[0])
	assert.Equal(t, []string{"c", "d"}, chunks[1])
	assert.Equal(t, []string{"e"}, chunks[2])

	assert.Nil(t, chunkItems[string](3))

	chunks = chunkItems(5, "a", "b")
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"a", "b"}, chunks[0])
}

func TestInteractionUser(t *testing.T) {
	guildUser := &discordgo.User{ID: "member-user"}
	dmUser := &discordgo.User{ID: "dm-user"}

	fromGuild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: guildUser},
			User:   dmUser,
		},
	}
	assert.Equal(t, guildUser, interactionUser(fromGuild))

	fromDM := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: dmUser},
	}
	assert.Equal(t, dmUser, interactionUser(fromDM))
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, slog.Default(), ContextLogger(ctx))

	logger := slog.Default().With("test", t.Name())
	ctx = WithLogger(ctx, logger)
	assert.Equal(t, logger, ContextLogger(ctx))

	// A nil logger falls back to the default rather than storing nil.
	ctx = WithLogger(context.Background(), nil)
	assert.Equal(t, slog.Default(), ContextLogger(ctx))
}
