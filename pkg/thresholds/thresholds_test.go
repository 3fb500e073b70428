package thresholds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdate_BoundsEnforced(t *testing.T) {
	m := New(Defaults())

	updated, err := m.Update("aggregator.block_score", 85, "alice", "tighten blocking")
	require.NoError(t, err)
	assert.Equal(t, 85.0, updated.Value)
	assert.Equal(t, "alice", updated.LastModifiedBy)

	_, err = m.Update("aggregator.block_score", 20, "alice", "below min")
	require.Error(t, err)
	_, err = m.Update("aggregator.block_score", 150, "alice", "above max")
	require.Error(t, err)

	// Rejected updates leave the value untouched and unlogged.
	got, ok := m.Get("aggregator.block_score")
	require.True(t, ok)
	assert.Equal(t, 85.0, got.Value)
	require.Len(t, m.AuditLog(), 1)

	_, err = m.Update("no.such.threshold", 1, "alice", "")
	assert.Error(t, err)
}

func TestAdjustAutomatically_RelativeDelta(t *testing.T) {
	m := New(Defaults())

	adj, err := m.AdjustAutomatically("rate_limit.adjustment_factor", -0.5, "high violation rate", map[string]string{"window": "5m"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, adj.Value)

	// A delta that would land outside the bounds is rejected whole.
	_, err = m.AdjustAutomatically("rate_limit.adjustment_factor", -0.9, "again", nil)
	require.Error(t, err)
	got, _ := m.Get("rate_limit.adjustment_factor")
	assert.Equal(t, 1.0, got.Value)
}

func TestAuditLog_AppendOnly(t *testing.T) {
	m := New(Defaults())

	_, err := m.Update("patterns.confidence_cutoff", 70, "alice", "fewer false positives")
	require.NoError(t, err)
	_, err = m.AdjustScheduled("patterns.confidence_cutoff", 65, "nightly relearn")
	require.NoError(t, err)

	log := m.AuditLog()
	require.Len(t, log, 2)
	assert.Equal(t, TriggerManual, log[0].Trigger)
	assert.Equal(t, 60.0, log[0].OldValue)
	assert.Equal(t, 70.0, log[0].NewValue)
	assert.Equal(t, TriggerScheduled, log[1].Trigger)
	assert.Equal(t, 70.0, log[1].OldValue)
	assert.Equal(t, 65.0, log[1].NewValue)
	assert.NotEmpty(t, log[0].ID)
	assert.NotEqual(t, log[0].ID, log[1].ID)
}

func TestExportImport_RoundTrip(t *testing.T) {
	m := New(Defaults())
	_, err := m.Update("system.error_rate", 0.1, "alice", "relax")
	require.NoError(t, err)
	before := m.List()

	data, err := m.Export()
	require.NoError(t, err)

	restored := New(nil)
	require.NoError(t, restored.Import(data))

	after := restored.List()
	require.Len(t, after, len(before))
	byID := make(map[string]Threshold, len(after))
	for _, th := range after {
		byID[th.ID] = th
	}
	for _, want := range before {
		got, ok := byID[want.ID]
		require.True(t, ok, "threshold %s missing after import", want.ID)
		assert.Equal(t, want.Value, got.Value, want.ID)
		assert.Equal(t, want.Min, got.Min, want.ID)
		assert.Equal(t, want.Max, got.Max, want.ID)
		assert.Equal(t, want.Unit, got.Unit, want.ID)
	}
	assert.Empty(t, restored.AuditLog(), "import must not write audit entries")
}

func TestImport_RejectsInvalidSets(t *testing.T) {
	m := New(Defaults())

	cases := []string{
		"- id: \"\"\n  value: 1\n  min: 0\n  max: 2\n",
		"- id: x\n  value: 5\n  min: 0\n  max: 2\n",
		"- id: x\n  value: 1\n  min: 3\n  max: 2\n",
	}
	for i, doc := range cases {
		assert.Error(t, m.Import([]byte(doc)), "case %d", i)
	}
	// The existing set survives a failed import.
	_, ok := m.Get("aggregator.block_score")
	assert.True(t, ok)
}

func TestEvaluateRules_FireAndAdjust(t *testing.T) {
	m := New(Defaults())
	m.RegisterRules([]Rule{
		{
			ID:          "tighten-on-errors",
			Enabled:     true,
			Condition:   "error_rate > 0.2 && blocked > 10",
			Action:      ActionAdjustThreshold,
			ThresholdID: "aggregator.block_score",
			Delta:       -5,
		},
		{
			ID:        "alert-on-emergency",
			Enabled:   true,
			Condition: "emergency > 0",
			Action:    ActionSendAlert,
			Target:    "oncall",
		},
	})

	snap := Snapshot{"error_rate": 0.5, "blocked": 20, "emergency": 0}
	fired := m.EvaluateRules(snap)
	require.Len(t, fired, 1)
	assert.Equal(t, "tighten-on-errors", fired[0].RuleID)
	require.NoError(t, fired[0].Err)
	require.NotNil(t, fired[0].Threshold)
	assert.Equal(t, 65.0, fired[0].Threshold.Value)

	// Identical snapshot: the rule does not fire again.
	assert.Empty(t, m.EvaluateRules(snap))

	// A changed snapshot re-arms both rules.
	snap2 := Snapshot{"error_rate": 0.5, "blocked": 25, "emergency": 1}
	fired = m.EvaluateRules(snap2)
	require.Len(t, fired, 2)
	assert.Equal(t, 60.0, fired[0].Threshold.Value)
	assert.Equal(t, ActionSendAlert, fired[1].Action)
	assert.Equal(t, "oncall", fired[1].Target)
}

func TestEvaluateRules_ConditionErrors(t *testing.T) {
	m := New(Defaults())
	m.RegisterRules([]Rule{
		{ID: "missing-metric", Enabled: true, Condition: "no_such_metric > 1", Action: ActionSendAlert},
		{ID: "not-boolean", Enabled: true, Condition: "blocked + 1", Action: ActionSendAlert},
		{ID: "disabled", Enabled: false, Condition: "true", Action: ActionSendAlert},
	})

	fired := m.EvaluateRules(Snapshot{"blocked": 5})
	require.Len(t, fired, 2)
	assert.Error(t, fired[0].Err)
	assert.Error(t, fired[1].Err)
}

func TestSnapshotFingerprint(t *testing.T) {
	a := Snapshot{"x": 1, "y": 2}
	b := Snapshot{"y": 2, "x": 1}
	c := Snapshot{"x": 1, "y": 3}
	assert.Equal(t, a.fingerprint(), b.fingerprint(), "key order must not matter")
	assert.NotEqual(t, a.fingerprint(), c.fingerprint())
}
