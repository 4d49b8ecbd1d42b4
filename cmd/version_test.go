package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/arcmoss/oubliette/oubliette"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := oubliette.Version
	originalCommitSHA := oubliette.CommitSHA
	originalBuildTime := oubliette.BuildTime

	t.Cleanup(
		func() {
			oubliette.Version = originalVersion
			oubliette.CommitSHA = originalCommitSHA
			oubliette.BuildTime = originalBuildTime
		},
	)

	oubliette.Version = "1.0.0"
	oubliette.CommitSHA = "abc123"
	oubliette.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		oubliette.Version,
		oubliette.CommitSHA,
		oubliette.BuildTime,
	)
	assert.Equal(t, expected, output)
}
