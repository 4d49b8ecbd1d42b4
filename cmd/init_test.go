package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/arcmoss/oubliette/oubliette"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("OB_DATABASE_TYPE", "sqlite")
	os.Setenv("OB_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("OB_DATABASE_TYPE")
			os.Unsetenv("OB_DATABASE")
		},
	)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs(
		[]string{
			"init",
			"--guild=1234567890",
			"--restricted-role=111",
			"--jail-channel=222",
			"--log-channel=333",
			"--moderator-role=444",
		},
	)
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Created settings for guild 1234567890")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()

	assert.True(t, mg.HasTable(&oubliette.Case{}))
	assert.True(t, mg.HasTable(&oubliette.CaseCounter{}))
	assert.True(t, mg.HasTable(&oubliette.Appeal{}))
	assert.True(t, mg.HasTable(&oubliette.AppealCounter{}))
	assert.True(t, mg.HasTable(&oubliette.GuildSettings{}))
	assert.True(t, mg.HasTable(&oubliette.JailMessage{}))
	assert.True(t, mg.HasTable(&oubliette.PendingNoticeDelete{}))
	assert.True(t, mg.HasTable(&oubliette.InteractionLog{}))

	var settings oubliette.GuildSettings
	err = db.Where("guild_id = ?", "1234567890").First(&settings).Error
	require.NoError(t, err)

	assert.Equal(t, "111", settings.RestrictedRoleID)
	assert.Equal(t, "222", settings.JailChannelID)
	assert.Equal(t, "333", settings.LogChannelID)
	assert.Equal(t, "444", settings.ModeratorRoleID)
}
