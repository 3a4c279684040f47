package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFallsBackToInfo(t *testing.T) {
	log := New(LoggingConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, log.Logger.GetLevel())
}

func TestNamedAddsComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := New(LoggingConfig{Level: "debug", Format: "json"})
	log.Logger.SetOutput(&buf)

	log.Named("ledger").With(map[string]interface{}{"account_id": "a1"}).Info("credited")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ledger", line["component"])
	assert.Equal(t, "a1", line["account_id"])
	assert.Equal(t, "credited", line["msg"])
}
