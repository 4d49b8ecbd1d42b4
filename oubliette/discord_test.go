package oubliette

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPermissionSet struct {
	ChannelID string
	TargetID  string
	Allow     int64
	Deny      int64
}

type mockChannelMessage struct {
	ChannelID string
	MessageID string
	Data      *discordgo.MessageSend
}

// mockDiscordSession implements DiscordSessionHandler, recording every
// call so tests can assert on what would have been sent to Discord.
// Error fields inject failures for specific methods.
type mockDiscordSession struct {
	mu sync.Mutex

	guildChannels []*discordgo.Channel

	roleAddErr       error
	roleRemoveErr    error
	userChannelErr   error
	messageSendErr   error
	messageDeleteErr error

	// permissionSetFailures fails this many ChannelPermissionSet calls
	// before succeeding
	permissionSetFailures int
	permissionSetErr      error

	// roleAddFailures / roleRemoveFailures fail this many role calls
	// before succeeding
	roleAddFailures    int
	roleRemoveFailures int

	roleAdds             []string
	roleRemoves          []string
	permissionSets       []mockPermissionSet
	sentComplex          []mockChannelMessage
	edits                []*discordgo.MessageEdit
	deletes              []string
	webhookPosts         []*discordgo.WebhookParams
	interactionResponses []*discordgo.InteractionResponse
	interactionEdits     []*discordgo.WebhookEdit

	permissionSetCalls int
	nextMessageID      int
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{}
}

func (d *mockDiscordSession) Open() error {
	return nil
}

func (d *mockDiscordSession) Close() error {
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.messageSendErr != nil {
		return nil, d.messageSendErr
	}
	d.nextMessageID++
	msg := &discordgo.Message{
		ID:        fmt.Sprintf("msg-%d", d.nextMessageID),
		ChannelID: channelID,
		Content:   message,
	}
	return msg, nil
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.messageSendErr != nil {
		return nil, d.messageSendErr
	}
	d.nextMessageID++
	msg := &discordgo.Message{
		ID:        fmt.Sprintf("msg-%d", d.nextMessageID),
		ChannelID: channelID,
	}
	d.sentComplex = append(
		d.sentComplex, mockChannelMessage{
			ChannelID: channelID,
			MessageID: msg.ID,
			Data:      data,
		},
	)
	return msg, nil
}

func (d *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.ChannelMessageSend(channelID, content)
}

func (d *mockDiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edits = append(d.edits, m)
	return &discordgo.Message{ID: m.ID, ChannelID: m.Channel}, nil
}

func (d *mockDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.messageDeleteErr != nil {
		return d.messageDeleteErr
	}
	d.deletes = append(
		d.deletes,
		fmt.Sprintf("%s/%s", channelID, messageID),
	)
	return nil
}

func (d *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if d.userChannelErr != nil {
		return nil, d.userChannelErr
	}
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (d *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return &discordgo.Member{
		GuildID: guildID,
		User:    &discordgo.User{ID: userID},
	}, nil
}

func (d *mockDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.roleAddErr != nil {
		return d.roleAddErr
	}
	if d.roleAddFailures > 0 {
		d.roleAddFailures--
		return fmt.Errorf("rate limited")
	}
	d.roleAdds = append(
		d.roleAdds,
		fmt.Sprintf("%s/%s/%s", guildID, userID, roleID),
	)
	return nil
}

func (d *mockDiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.roleRemoveErr != nil {
		return d.roleRemoveErr
	}
	if d.roleRemoveFailures > 0 {
		d.roleRemoveFailures--
		return fmt.Errorf("rate limited")
	}
	d.roleRemoves = append(
		d.roleRemoves,
		fmt.Sprintf("%s/%s/%s", guildID, userID, roleID),
	)
	return nil
}

func (d *mockDiscordSession) GuildChannels(
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.guildChannels, nil
}

func (d *mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	_ discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permissionSetCalls++
	if d.permissionSetFailures > 0 {
		d.permissionSetFailures--
		if d.permissionSetErr != nil {
			return d.permissionSetErr
		}
		return fmt.Errorf("rate limited")
	}
	d.permissionSets = append(
		d.permissionSets, mockPermissionSet{
			ChannelID: channelID,
			TargetID:  targetID,
			Allow:     allow,
			Deny:      deny,
		},
	)
	return nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interactionResponses = append(d.interactionResponses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interactionEdits = append(d.interactionEdits, newresp)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) WebhookExecute(
	_ string,
	_ string,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.webhookPosts = append(d.webhookPosts, data)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(_ string) error {
	return nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (d *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func (d *mockDiscordSession) GatewayBot(
	_ ...discordgo.RequestOption,
) (*discordgo.GatewayBotResponse, error) {
	return &discordgo.GatewayBotResponse{}, nil
}

// lastInteractionEdit returns the content of the most recent deferred
// response edit.
func (d *mockDiscordSession) lastInteractionEdit(t testing.TB) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.interactionEdits)
	content := d.interactionEdits[len(d.interactionEdits)-1].Content
	require.NotNil(t, content)
	return *content
}

func TestRegisterCommands(t *testing.T) {
	bot, _ := newTestBot(t)
	created, err := bot.discord.registerCommands()
	require.NoError(t, err)

	names := make([]string, 0, len(created))
	for _, c := range created {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, commandMute)
	assert.Contains(t, names, commandUnmute)
	assert.Contains(t, names, commandAppeal)
	assert.Contains(t, names, commandAppealReview)
	assert.Len(t, created, 13)
}
