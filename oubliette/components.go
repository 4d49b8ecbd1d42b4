package oubliette

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	appealModalCustomID  = "appeal_modal"
	appealModalInputID   = "appeal_body"
	appealModalTitle     = "Appeal your restriction"
	appealModalLabel     = "Why should this restriction be lifted?"
	customIDFormat       = "%s:%s"
	customIDRefSeparator = "/"
)

// ReviewButtonType identifies which review button a moderator clicked.
type ReviewButtonType string

const (
	ReviewButtonApprove ReviewButtonType = "A"
	ReviewButtonDeny    ReviewButtonType = "D"
)

var reviewTypeDescription = map[ReviewButtonType]string{
	ReviewButtonApprove: "Approve",
	ReviewButtonDeny:    "Deny",
}

// CustomID represents a decoded `custom_id` discord button component
// field: the review action, and a reference locating the appeal it
// belongs to.
type CustomID struct {
	Action   ReviewButtonType
	GuildID  string
	AppealID int64
}

func (c CustomID) String() string {
	ref := strings.Join(
		[]string{c.GuildID, strconv.FormatInt(c.AppealID, 10)},
		customIDRefSeparator,
	)
	return fmt.Sprintf(customIDFormat, c.Action, ref)
}

func (c CustomID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("action", reviewTypeDescription[c.Action]),
		slog.String("guild_id", c.GuildID),
		slog.Int64("appeal_id", c.AppealID),
	)
}

// decodeCustomID accepts a `custom_id` value that's been set in a
// discord button component and decodes it into a CustomID struct.
func decodeCustomID(customID string) (CustomID, error) {
	parts := strings.Split(customID, ":")
	if len(parts) != 2 {
		return CustomID{}, fmt.Errorf("invalid custom_id format")
	}
	action := ReviewButtonType(parts[0])
	if _, ok := reviewTypeDescription[action]; !ok {
		return CustomID{}, fmt.Errorf("unknown custom_id action: %s", parts[0])
	}

	refParts := strings.Split(parts[1], customIDRefSeparator)
	if len(refParts) != 2 {
		return CustomID{}, fmt.Errorf("invalid custom_id reference")
	}
	appealID, err := strconv.ParseInt(refParts[1], 10, 64)
	if err != nil {
		return CustomID{}, fmt.Errorf("invalid appeal number: %w", err)
	}

	return CustomID{
		Action:   action,
		GuildID:  refParts[0],
		AppealID: appealID,
	}, nil
}

// reviewButtons builds the approve/deny row attached to a review prompt.
func reviewButtons(appeal *Appeal) []discordgo.MessageComponent {
	approve := CustomID{
		Action:   ReviewButtonApprove,
		GuildID:  appeal.GuildID,
		AppealID: appeal.AppealID,
	}
	deny := CustomID{
		Action:   ReviewButtonDeny,
		GuildID:  appeal.GuildID,
		AppealID: appeal.AppealID,
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Approve",
					Style:    discordgo.SuccessButton,
					CustomID: approve.String(),
				},
				discordgo.Button{
					Label:    "Deny",
					Style:    discordgo.DangerButton,
					CustomID: deny.String(),
				},
			},
		},
	}
}

// appealModalResponse builds the modal shown when a member runs the
// appeal command.
func appealModalResponse(minLength int, maxLength int) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: appealModalCustomID,
			Title:    appealModalTitle,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    appealModalInputID,
							Label:       appealModalLabel,
							Style:       discordgo.TextInputParagraph,
							Required:    true,
							MinLength:   minLength,
							MaxLength:   maxLength,
							Placeholder: "Explain what happened and why the restriction should be lifted",
						},
					},
				},
			},
		},
	}
}

// getTextInputFromInteraction returns the text input component from a
// discord interaction modal
func getTextInputFromInteraction(
	modalData discordgo.ModalSubmitInteractionData,
) *discordgo.TextInput {
	for _, component := range modalData.Components {
		if component.Type() != discordgo.ActionsRowComponent {
			continue
		}
		actionsRow, ok := component.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rowComponent := range actionsRow.Components {
			if rowComponent.Type() != discordgo.TextInputComponent {
				continue
			}
			if textInput, isInput := rowComponent.(*discordgo.TextInput); isInput {
				return textInput
			}
		}
	}
	return nil
}
