package cronspec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscollective/saltpeter/internal/config"
)

func cronDefFixture() config.CronDef {
	return config.CronDef{
		Sec:  "0",
		Min:  "*",
		Hour: "*",
		Dom:  "*",
		Mon:  "*",
		Dow:  "*",
		Year: "*",
	}
}

func TestParseAndNextEveryMinute(t *testing.T) {
	def := cronDefFixture()
	def.Min = "*"

	expr, err := Parse(def)
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC), next)
}

func TestParseHonorsYearField(t *testing.T) {
	def := cronDefFixture()
	def.Min = "0"
	def.Hour = "0"
	def.Dom = "1"
	def.Mon = "1"
	def.Dow = "*"
	def.Year = "2030"

	expr, err := Parse(def)
	require.NoError(t, err)

	next := expr.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 2030, next.Year())
}

func TestParseRejectsInvalidExpression(t *testing.T) {
	def := cronDefFixture()
	def.Min = "not-a-field"

	_, err := Parse(def)
	assert.Error(t, err)
}
