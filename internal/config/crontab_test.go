package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCrontabLineBasic(t *testing.T) {
	def, err := ParseCrontabLine("0 3 * * * root /usr/bin/backup.sh --full")
	require.NoError(t, err)

	assert.Equal(t, "1", def.Sec)
	assert.Equal(t, "*", def.Year)
	assert.Equal(t, "0", def.Min)
	assert.Equal(t, "3", def.Hour)
	assert.Equal(t, "root", def.User)
	assert.Equal(t, "/usr/bin/backup.sh --full", def.Command)
	assert.Equal(t, "backup.sh", def.Name)
	assert.Equal(t, "list", def.TargetType)
}

func TestParseCrontabLineStripsRedirection(t *testing.T) {
	def, err := ParseCrontabLine("*/5 * * * * www-data /opt/app/run.sh >> /var/log/app.log 2>&1")
	require.NoError(t, err)
	assert.Equal(t, "/opt/app/run.sh", def.Command)
	assert.Equal(t, "run.sh", def.Name)
}

func TestParseCrontabLineRejectsComment(t *testing.T) {
	_, err := ParseCrontabLine("# nightly backup")
	assert.Error(t, err)
}

func TestParseCrontabLineRejectsTooFewFields(t *testing.T) {
	_, err := ParseCrontabLine("0 3 * * *")
	assert.Error(t, err)
}

func TestDeriveJobNameSkipsEnvAssignmentsAndSudo(t *testing.T) {
	name := deriveJobName("PATH=/usr/bin sudo /opt/tool/run-thing.sh")
	assert.Equal(t, "run-thing.sh", name)
}
