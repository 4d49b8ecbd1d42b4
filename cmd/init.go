package cmd

import (
	"fmt"
	"log"

	"github.com/arcmoss/oubliette/oubliette"
	"github.com/spf13/cobra"
)

var (
	initGuildID         string
	initRestrictedRole  string
	initJailChannelID   string
	initLogChannelID    string
	initModeratorRoleID string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and optionally seed guild settings",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("database_type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		// Run database migrations
		db, err := oubliette.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()

		if initGuildID != "" {
			writeDB := oubliette.NewDatabase(
				db,
				nil,
				cfg.DatabaseType != "sqlite",
			)
			settings, created, err := writeDB.GetOrCreateGuildSettings(
				ctx,
				initGuildID,
			)
			if err != nil {
				log.Fatalf("Error loading guild settings: %v", err)
			}

			updates := map[string]any{}
			if initRestrictedRole != "" {
				updates["restricted_role_id"] = initRestrictedRole
			}
			if initJailChannelID != "" {
				updates["jail_channel_id"] = initJailChannelID
			}
			if initLogChannelID != "" {
				updates["log_channel_id"] = initLogChannelID
			}
			if initModeratorRoleID != "" {
				updates["moderator_role_id"] = initModeratorRoleID
			}
			if len(updates) > 0 {
				if _, err = writeDB.Updates(ctx, settings, updates); err != nil {
					log.Fatalf("Error updating guild settings: %v", err)
				}
			}
			if created {
				fmt.Fprintf(out, "Created settings for guild %s\n", initGuildID)
			} else {
				fmt.Fprintf(out, "Updated settings for guild %s\n", initGuildID)
			}
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(
		&initGuildID,
		"guild",
		"",
		"Guild ID to seed settings for",
	)
	initCmd.Flags().StringVar(
		&initRestrictedRole,
		"restricted-role",
		"",
		"Restricted role ID",
	)
	initCmd.Flags().StringVar(
		&initJailChannelID,
		"jail-channel",
		"",
		"Jail channel ID",
	)
	initCmd.Flags().StringVar(
		&initLogChannelID,
		"log-channel",
		"",
		"Log channel ID for audit events and appeal reviews",
	)
	initCmd.Flags().StringVar(
		&initModeratorRoleID,
		"moderator-role",
		"",
		"Moderator role ID",
	)
}
