package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("started")

	assert.Contains(t, buf.String(), `"message":"started"`)
	assert.Contains(t, buf.String(), `"time":`)
}

func TestInitFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("ignored")
	Logger.Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "ignored")
	assert.Contains(t, buf.String(), "kept")
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	l := WithComponent("supervisor")
	l.Info().Msg("ok")

	assert.Contains(t, buf.String(), `"component":"supervisor"`)
}

func TestWithBranchID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	l := WithBranchID("session", "store-042")
	l.Info().Msg("connected")

	assert.Contains(t, buf.String(), `"component":"session"`)
	assert.Contains(t, buf.String(), `"branch_id":"store-042"`)
}
