package middleware

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/terraconstructs/gridauth/internal/logging"
	"github.com/terraconstructs/gridauth/internal/telemetry"
)

// Position says where a stage ended up relative to its anchor.
type Position string

const (
	PositionBefore Position = "before"
	PositionAfter  Position = "after"
	PositionAppend Position = "append"
)

// InsertionPlan describes where a stage should go.
type InsertionPlan struct {
	// Before pins the stage immediately before this stage. Missing target is fatal.
	Before string
	// After is the preferred stage to follow. Tried ahead of Defaults.
	After string
	// Defaults are fallback anchors tried in order when After is unset or missing.
	Defaults []string
}

// Candidates returns After followed by Defaults, blanks dropped, first occurrence kept.
func (p InsertionPlan) Candidates() []string {
	out := make([]string, 0, len(p.Defaults)+1)
	seen := make(map[string]struct{}, len(p.Defaults)+1)
	for _, name := range append([]string{p.After}, p.Defaults...) {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Outcome reports how a stage was installed.
type Outcome struct {
	Stage    string
	Anchor   string // "" when appended
	Position Position
	// Degraded is set when no candidate existed and the stage was appended.
	Degraded bool
	// Missing lists the candidates that were tried and failed, in order.
	Missing []string
}

func (o Outcome) String() string {
	if o.Position == PositionAppend {
		return fmt.Sprintf("%s appended", o.Stage)
	}
	return fmt.Sprintf("%s %s %s", o.Stage, o.Position, o.Anchor)
}

// Installation is the result of Install.
type Installation struct {
	Primary Outcome
	// Guard is nil when no guard stage was requested.
	Guard *Outcome
}

// Assembler positions stages in a Pipeline at boot time.
type Assembler struct {
	logger  *zap.Logger
	metrics *telemetry.AuthMetrics
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithLogger sets the logger used for insertion warnings.
func WithLogger(logger *zap.Logger) AssemblerOption {
	return func(a *Assembler) { a.logger = logging.OrNop(logger) }
}

// WithMetrics records where stages were installed.
func WithMetrics(metrics *telemetry.AuthMetrics) AssemblerOption {
	return func(a *Assembler) { a.metrics = metrics }
}

// NewAssembler returns an Assembler.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Insert places stage according to plan.
//
// An explicit plan.Before is attempted once and its failure is returned. Otherwise each
// candidate is tried with InsertAfter; any failure there is logged and the next candidate
// is tried. When none succeeds the stage is appended and the outcome is Degraded.
func (a *Assembler) Insert(p *Pipeline, stage Stage, plan InsertionPlan) (Outcome, error) {
	out := Outcome{Stage: stage.Name}

	if plan.Before != "" {
		if err := p.InsertBefore(plan.Before, stage); err != nil {
			return out, fmt.Errorf("configured insertion point: %w", err)
		}
		out.Anchor, out.Position = plan.Before, PositionBefore
		a.record(out)
		return out, nil
	}

	for _, candidate := range plan.Candidates() {
		err := p.InsertAfter(candidate, stage)
		if err == nil {
			out.Anchor, out.Position = candidate, PositionAfter
			a.record(out)
			return out, nil
		}
		out.Missing = append(out.Missing, candidate)
		a.logger.Warn("insertion candidate unavailable, trying next",
			zap.String("stage", stage.Name),
			zap.String("candidate", candidate),
			zap.Error(err))
	}

	// An unusable stage (blank name, duplicate) fails every candidate and fails here too.
	if err := p.Append(stage); err != nil {
		return out, err
	}
	out.Position, out.Degraded = PositionAppend, true
	a.logger.Warn("no insertion candidate found, appended stage to end of pipeline",
		zap.String("stage", stage.Name),
		zap.Strings("tried", out.Missing))
	a.record(out)
	return out, nil
}

// Install inserts primary per plan and then, if guard is non-nil, positions guard
// relative to it: immediately before primary unless guardPlan says otherwise. The guard
// is never installed when the primary could not be.
func (a *Assembler) Install(p *Pipeline, primary Stage, plan InsertionPlan, guard *Stage, guardPlan InsertionPlan) (Installation, error) {
	primaryOut, err := a.Insert(p, primary, plan)
	if err != nil {
		return Installation{Primary: primaryOut}, err
	}
	inst := Installation{Primary: primaryOut}
	if guard == nil {
		return inst, nil
	}

	// Default anchor is "before primary", so the After preference is the only
	// candidate and the fallback is handled here rather than by appending.
	if guardPlan.Before == "" && guardPlan.After == "" {
		guardPlan.Before = primary.Name
	}
	var guardOut Outcome
	if guardPlan.Before != "" {
		guardOut, err = a.Insert(p, *guard, InsertionPlan{Before: guardPlan.Before})
	} else {
		guardOut, err = a.insertGuardAfter(p, *guard, guardPlan.After, primary.Name)
	}
	if err != nil {
		return inst, fmt.Errorf("guard stage: %w", err)
	}
	inst.Guard = &guardOut
	return inst, nil
}

func (a *Assembler) insertGuardAfter(p *Pipeline, guard Stage, after, primary string) (Outcome, error) {
	err := p.InsertAfter(after, guard)
	if err == nil {
		out := Outcome{Stage: guard.Name, Anchor: after, Position: PositionAfter}
		a.record(out)
		return out, nil
	}
	if !errors.Is(err, ErrStageNotFound) {
		return Outcome{Stage: guard.Name}, err
	}
	a.logger.Warn("guard insertion candidate unavailable, placing guard before primary stage",
		zap.String("stage", guard.Name),
		zap.String("candidate", after),
		zap.String("primary", primary))
	out, err := a.Insert(p, guard, InsertionPlan{Before: primary})
	out.Missing = append([]string{after}, out.Missing...)
	return out, err
}

func (a *Assembler) record(out Outcome) {
	a.metrics.RecordStageInstall(context.Background(), out.Stage, string(out.Position), out.Degraded)
}
