package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogOrderTransitionWritesAuditLine(t *testing.T) {
	var buf bytes.Buffer
	SetAuditWriter(&buf)
	defer SetAuditWriter(nil)

	LogOrderTransition("reliance", "1001", "Placed", "ModifyRequested", map[string]any{"price": 2500.5, "qty": 10})

	out := buf.String()
	assert.Contains(t, out, "[ORDER][RELIANCE] order=1001 Placed -> ModifyRequested")
	assert.Contains(t, out, "price=2500.5 qty=10")
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	SetLevel("info")

	Debugf("hidden %d", 1)
	Infof("shown %d", 2)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")
}

func TestSetLocationStampsMarketTime(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	ist := time.FixedZone("IST", 5*3600+1800)
	SetLocation(ist)
	defer SetLocation(nil)

	Infof("market open")
	assert.Contains(t, buf.String(), "+05:30")
	assert.Contains(t, buf.String(), "market open")
}
