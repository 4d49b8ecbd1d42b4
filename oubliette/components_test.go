package oubliette

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomIDRoundTrip(t *testing.T) {
	original := CustomID{
		Action:   ReviewButtonApprove,
		GuildID:  "123456789012345678",
		AppealID: 42,
	}
	encoded := original.String()
	assert.Equal(t, "A:123456789012345678/42", encoded)

	decoded, err := decodeCustomID(encoded)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	deny := CustomID{Action: ReviewButtonDeny, GuildID: "g", AppealID: 7}
	decoded, err = decodeCustomID(deny.String())
	require.NoError(t, err)
	assert.Equal(t, deny, decoded)
}

func TestDecodeCustomIDInvalid(t *testing.T) {
	tests := []string{
		"",
		"A",
		"A:guild",
		"A:guild/42/extra",
		"X:guild/42",
		"A:guild/notanumber",
		"approve:guild/42",
	}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := decodeCustomID(input)
			assert.Error(t, err)
		})
	}
}

func TestReviewButtons(t *testing.T) {
	appeal := &Appeal{GuildID: "guild-a", AppealID: 3}
	components := reviewButtons(appeal)
	require.Len(t, components, 1)

	row, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 2)

	approve, ok := row.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, "Approve", approve.Label)
	assert.Equal(t, discordgo.SuccessButton, approve.Style)
	assert.Equal(t, "A:guild-a/3", approve.CustomID)

	deny, ok := row.Components[1].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, "Deny", deny.Label)
	assert.Equal(t, discordgo.DangerButton, deny.Style)
	assert.Equal(t, "D:guild-a/3", deny.CustomID)
}

func TestAppealModalResponse(t *testing.T) {
	response := appealModalResponse(50, 1000)
	assert.Equal(t, discordgo.InteractionResponseModal, response.Type)
	require.NotNil(t, response.Data)
	assert.Equal(t, appealModalCustomID, response.Data.CustomID)

	require.Len(t, response.Data.Components, 1)
	row, ok := response.Data.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 1)

	input, ok := row.Components[0].(discordgo.TextInput)
	require.True(t, ok)
	assert.Equal(t, appealModalInputID, input.CustomID)
	assert.Equal(t, discordgo.TextInputParagraph, input.Style)
	assert.True(t, input.Required)
	assert.Equal(t, 50, input.MinLength)
	assert.Equal(t, 1000, input.MaxLength)
}

func TestGetTextInputFromInteraction(t *testing.T) {
	input := &discordgo.TextInput{
		CustomID: appealModalInputID,
		Value:    "appeal text",
	}
	modalData := discordgo.ModalSubmitInteractionData{
		CustomID: appealModalCustomID,
		Components: []discordgo.MessageComponent{
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{input},
			},
		},
	}
	found := getTextInputFromInteraction(modalData)
	require.NotNil(t, found)
	assert.Equal(t, "appeal text", found.Value)

	empty := discordgo.ModalSubmitInteractionData{}
	assert.Nil(t, getTextInputFromInteraction(empty))
}
