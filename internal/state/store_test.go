package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscollective/saltpeter/internal/config"
)

func TestSetConfigCreatesJobState(t *testing.T) {
	s := New()
	s.SetConfig(&config.Snapshot{
		Crons: map[string]config.CronDef{
			"foo": {Name: "foo", Group: "infra"},
		},
		Serial: "abc",
	})

	js := s.Job("foo")
	require.NotNil(t, js)
	assert.Equal(t, "infra", js.Group)
	assert.NotNil(t, s.CronLock("foo"))
}

func TestCronLockIsStableAcrossCalls(t *testing.T) {
	s := New()
	l1 := s.CronLock("foo")
	l2 := s.CronLock("foo")
	assert.Same(t, l1, l2)
}

func TestRunningLifecycle(t *testing.T) {
	s := New()
	ri := &RunningInstance{InstanceID: "foo:1", Name: "foo", Machines: []string{"a", "b"}}
	s.AddRunning(ri)

	assert.True(t, s.IsRunning("foo"))
	assert.Len(t, s.RunningByName("foo"), 1)

	s.RemoveRunning("foo:1")
	assert.False(t, s.IsRunning("foo"))
}

func TestNextInstanceIDMonotonic(t *testing.T) {
	s := New()
	a := s.NextInstanceID("foo")
	b := s.NextInstanceID("foo")
	assert.NotEqual(t, a, b)
}

func TestCommandQueueDrain(t *testing.T) {
	s := New()
	s.PushCommand(&Command{Kind: CommandRunNow, CronName: "foo"})
	s.PushCommand(&Command{Kind: CommandKillCron, CronName: "bar"})

	drained := s.DrainCommands()
	require.Len(t, drained, 2)
	assert.Empty(t, s.DrainCommands())
}

func TestRequeueCommandsPreservesOrder(t *testing.T) {
	s := New()
	s.PushCommand(&Command{Kind: CommandRunNow, CronName: "c"})
	drained := s.DrainCommands()

	s.RequeueCommands(drained)
	s.PushCommand(&Command{Kind: CommandKillCron, CronName: "d"})

	all := s.DrainCommands()
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[0].CronName)
	assert.Equal(t, "d", all[1].CronName)
}

func TestBadCronsRoundtrip(t *testing.T) {
	s := New()
	s.MarkBadCron("foo", assertErr{})
	assert.Contains(t, s.BadCrons(), "foo")

	s.ClearBadCron("foo")
	assert.NotContains(t, s.BadCrons(), "foo")
}

func TestNullTimelineFetcherReturnsStableID(t *testing.T) {
	f := NullTimelineFetcher{}
	tl, err := f.Fetch(nil)
	require.NoError(t, err)
	assert.Equal(t, "empty", tl.ID)
}

type assertErr struct{}

func (assertErr) Error() string { return "bad" }
