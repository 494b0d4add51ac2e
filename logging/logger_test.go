package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAddAndRemoveWriter checks that writers are grouped by format and color and that duplicates are ignored.
func TestAddAndRemoveWriter(t *testing.T) {
	logger := NewLogger(zerolog.InfoLevel)

	logger.AddWriter(os.Stdout, UNSTRUCTURED, true)
	logger.AddWriter(os.Stderr, UNSTRUCTURED, false)
	logger.AddWriter(os.Stdin, STRUCTURED, false)
	assert.Len(t, logger.unstructuredColorWriters, 1)
	assert.Len(t, logger.unstructuredWriters, 1)
	assert.Len(t, logger.structuredWriters, 1)

	logger.AddWriter(os.Stdout, UNSTRUCTURED, true)
	logger.AddWriter(os.Stdin, STRUCTURED, false)
	assert.Len(t, logger.unstructuredColorWriters, 1)
	assert.Len(t, logger.structuredWriters, 1)

	logger.RemoveWriter(os.Stdout, UNSTRUCTURED, true)
	logger.RemoveWriter(os.Stderr, UNSTRUCTURED, false)
	logger.RemoveWriter(os.Stdin, STRUCTURED, false)
	assert.Empty(t, logger.unstructuredColorWriters)
	assert.Empty(t, logger.unstructuredWriters)
	assert.Empty(t, logger.structuredWriters)
}

// TestStructuredOutput checks that sub-logger context, errors and structured info reach JSON writers.
func TestStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.InfoLevel)
	logger.AddWriter(&buf, STRUCTURED, false)

	sub := logger.NewSubLogger("module", FUZZING_SERVICE)
	sub.Warn("D dropped from ", colors.Bold, "1000000", colors.Reset, " to 980000",
		StructuredLogInfo{"rule": "exchange"}, errors.New("D_drop"))

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "warn", event["level"])
	assert.Equal(t, FUZZING_SERVICE, event["module"])
	assert.Equal(t, "D dropped from 1000000 to 980000", event["message"])
	assert.Equal(t, "D_drop", event["error"])
	assert.Equal(t, map[string]any{"rule": "exchange"}, event["info"])
}

// TestLevelFiltering checks that events below the configured level are dropped.
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.WarnLevel)
	logger.AddWriter(&buf, UNSTRUCTURED, false)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.SetLevel(zerolog.InfoLevel)
	logger.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}

// TestDisabledColors checks that the colored writer emits no escape codes once colors are disabled.
func TestDisabledColors(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.InfoLevel)
	logger.AddWriter(&buf, UNSTRUCTURED, true)

	colors.DisableColor()
	logger.Info(colors.Red, "foo")

	assert.True(t, strings.Contains(buf.String(), colors.LEFT_ARROW+" foo"))
}
