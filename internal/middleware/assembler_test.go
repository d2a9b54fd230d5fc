package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedAssembler() (*Assembler, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.WarnLevel)
	return NewAssembler(WithLogger(zap.New(core))), logs
}

func TestInsertionPlan_Candidates(t *testing.T) {
	plan := InsertionPlan{After: "b", Defaults: []string{"a", "b", "", "c", "a"}}
	assert.Equal(t, []string{"b", "a", "c"}, plan.Candidates())
	assert.Empty(t, InsertionPlan{}.Candidates())
}

func TestAssembler_InsertAfterFirstExistingCandidate(t *testing.T) {
	a, logs := observedAssembler()
	p := mustPipeline(t, "x", "B", "y")

	out, err := a.Insert(p, tagStage("auth"), InsertionPlan{Defaults: []string{"A", "B", "C"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "B", "auth", "y"}, p.Names())
	assert.Equal(t, Outcome{Stage: "auth", Anchor: "B", Position: PositionAfter, Missing: []string{"A"}}, out)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "A", entry.ContextMap()["candidate"])
}

func TestAssembler_ConfiguredAfterIsTriedFirst(t *testing.T) {
	a, logs := observedAssembler()
	p := mustPipeline(t, StageRequestID, StageLogger, StageRecoverer)

	out, err := a.Insert(p, tagStage("auth"), InsertionPlan{After: StageRecoverer, Defaults: DefaultCandidates})
	require.NoError(t, err)
	assert.Equal(t, StageRecoverer, out.Anchor)
	assert.Equal(t, []string{StageRequestID, StageLogger, StageRecoverer, "auth"}, p.Names())
	assert.Zero(t, logs.Len())
}

func TestAssembler_AllCandidatesMissingAppends(t *testing.T) {
	a, logs := observedAssembler()
	p := mustPipeline(t, "x", "y")

	out, err := a.Insert(p, tagStage("auth"), InsertionPlan{After: "nope", Defaults: []string{"A", "B"}})
	require.NoError(t, err)

	assert.True(t, out.Degraded)
	assert.Equal(t, PositionAppend, out.Position)
	assert.Equal(t, []string{"nope", "A", "B"}, out.Missing)
	assert.Equal(t, "auth", p.Names()[p.Len()-1])
	assert.Equal(t, 4, logs.Len(), "one warning per missing candidate plus the append")
	assert.Equal(t, "no insertion candidate found, appended stage to end of pipeline", logs.All()[3].Message)
}

func TestAssembler_NoCandidatesAppends(t *testing.T) {
	a, _ := observedAssembler()
	p := mustPipeline(t, "x")

	out, err := a.Insert(p, tagStage("auth"), InsertionPlan{})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, []string{"x", "auth"}, p.Names())
}

func TestAssembler_ExplicitBeforeIsFatal(t *testing.T) {
	a, logs := observedAssembler()
	p := mustPipeline(t, "x", "y")

	_, err := a.Insert(p, tagStage("auth"), InsertionPlan{Before: "missing", Defaults: []string{"x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageNotFound)
	assert.Equal(t, []string{"x", "y"}, p.Names(), "no fallback on the explicit path")
	assert.Zero(t, logs.Len())

	out, err := a.Insert(p, tagStage("auth"), InsertionPlan{Before: "y"})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Stage: "auth", Anchor: "y", Position: PositionBefore}, out)
	assert.Equal(t, []string{"x", "auth", "y"}, p.Names())
}

func TestAssembler_DuplicateStageFailsEverywhere(t *testing.T) {
	a, _ := observedAssembler()
	p := mustPipeline(t, "x", "auth")

	_, err := a.Insert(p, tagStage("auth"), InsertionPlan{Defaults: []string{"x"}})
	assert.ErrorIs(t, err, ErrDuplicateStage)
	assert.Equal(t, []string{"x", "auth"}, p.Names())
}

func TestAssembler_InstallGuardDefaultsBeforePrimary(t *testing.T) {
	a, _ := observedAssembler()
	p := mustPipeline(t, StageRequestID, StageLogger, StageRecoverer)
	guard := tagStage(StageHeaderGuard)

	inst, err := a.Install(p, tagStage(StageAuthenticate), InsertionPlan{Defaults: DefaultCandidates}, &guard, InsertionPlan{})
	require.NoError(t, err)

	assert.Equal(t, []string{StageRequestID, StageLogger, StageHeaderGuard, StageAuthenticate, StageRecoverer}, p.Names())
	require.NotNil(t, inst.Guard)
	assert.Equal(t, Outcome{Stage: StageHeaderGuard, Anchor: StageAuthenticate, Position: PositionBefore}, *inst.Guard)
}

func TestAssembler_InstallGuardAfterPreference(t *testing.T) {
	a, logs := observedAssembler()
	p := mustPipeline(t, StageRequestID, StageLogger)
	guard := tagStage(StageHeaderGuard)

	inst, err := a.Install(p, tagStage(StageAuthenticate), InsertionPlan{Defaults: DefaultCandidates}, &guard, InsertionPlan{After: StageRequestID})
	require.NoError(t, err)
	assert.Equal(t, []string{StageRequestID, StageHeaderGuard, StageLogger, StageAuthenticate}, p.Names())
	assert.Equal(t, PositionAfter, inst.Guard.Position)
	assert.Zero(t, logs.Len())
}

func TestAssembler_InstallGuardAfterMissingFallsBackBeforePrimary(t *testing.T) {
	a, logs := observedAssembler()
	p := mustPipeline(t, StageRequestID, StageLogger)
	guard := tagStage(StageHeaderGuard)

	inst, err := a.Install(p, tagStage(StageAuthenticate), InsertionPlan{Defaults: DefaultCandidates}, &guard, InsertionPlan{After: "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{StageRequestID, StageLogger, StageHeaderGuard, StageAuthenticate}, p.Names())
	assert.Equal(t, []string{"missing"}, inst.Guard.Missing)
	assert.Equal(t, 1, logs.Len())
}

func TestAssembler_InstallGuardNeverOrphaned(t *testing.T) {
	a, _ := observedAssembler()
	p := mustPipeline(t, StageRequestID, StageLogger)
	guard := tagStage(StageHeaderGuard)

	inst, err := a.Install(p, tagStage(StageAuthenticate), InsertionPlan{Before: "missing"}, &guard, InsertionPlan{})
	require.Error(t, err)
	assert.Nil(t, inst.Guard)
	assert.False(t, p.Has(StageHeaderGuard))
	assert.False(t, p.Has(StageAuthenticate))
}

func TestAssembler_InstallGuardExplicitBeforeMissingIsFatal(t *testing.T) {
	a, _ := observedAssembler()
	p := mustPipeline(t, StageRequestID)
	guard := tagStage(StageHeaderGuard)

	_, err := a.Install(p, tagStage(StageAuthenticate), InsertionPlan{Defaults: DefaultCandidates}, &guard, InsertionPlan{Before: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageNotFound)
	assert.True(t, p.Has(StageAuthenticate))
	assert.False(t, p.Has(StageHeaderGuard))
}
