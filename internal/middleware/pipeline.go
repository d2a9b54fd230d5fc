package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

var (
	// ErrStageNotFound is returned when an insertion target is not in the pipeline.
	ErrStageNotFound = errors.New("stage not found")
	// ErrDuplicateStage is returned when a stage name is already taken.
	ErrDuplicateStage = errors.New("duplicate stage")
	// ErrInvalidStage is returned for stages without a name or middleware.
	ErrInvalidStage = errors.New("invalid stage")
)

// StageError describes a failed pipeline mutation.
type StageError struct {
	Op     string // insert_before, insert_after, append
	Stage  string
	Target string
	Err    error
}

func (e *StageError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("pipeline %s %q: %v", e.Op, e.Stage, e.Err)
	}
	return fmt.Sprintf("pipeline %s %q relative to %q: %v", e.Op, e.Stage, e.Target, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Stage is a named middleware.
type Stage struct {
	Name       string
	Middleware func(http.Handler) http.Handler
}

// Pipeline is an ordered, mutable list of named stages. The first stage is the outermost
// (runs first on the request). It is not safe for concurrent mutation and is meant to be
// assembled once at boot.
type Pipeline struct {
	stages []Stage
}

// NewPipeline builds a pipeline from stages in order.
func NewPipeline(stages ...Stage) (*Pipeline, error) {
	p := &Pipeline{stages: make([]Stage, 0, len(stages))}
	for _, s := range stages {
		if err := p.Append(s); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Names returns the stage names in order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Index returns the position of name, or -1.
func (p *Pipeline) Index(name string) int {
	for i, s := range p.stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether name is in the pipeline.
func (p *Pipeline) Has(name string) bool { return p.Index(name) >= 0 }

// InsertBefore places s immediately before target.
func (p *Pipeline) InsertBefore(target string, s Stage) error {
	return p.insertRelative("insert_before", target, s, 0)
}

// InsertAfter places s immediately after target.
func (p *Pipeline) InsertAfter(target string, s Stage) error {
	return p.insertRelative("insert_after", target, s, 1)
}

// Append places s at the end of the pipeline.
func (p *Pipeline) Append(s Stage) error {
	if err := p.check("append", "", s); err != nil {
		return err
	}
	p.stages = append(p.stages, s)
	return nil
}

// Remove deletes name from the pipeline and reports whether it was present.
func (p *Pipeline) Remove(name string) bool {
	i := p.Index(name)
	if i < 0 {
		return false
	}
	p.stages = append(p.stages[:i], p.stages[i+1:]...)
	return true
}

func (p *Pipeline) insertRelative(op, target string, s Stage, offset int) error {
	if err := p.check(op, target, s); err != nil {
		return err
	}
	i := p.Index(target)
	if i < 0 {
		return &StageError{Op: op, Stage: s.Name, Target: target, Err: ErrStageNotFound}
	}
	at := i + offset
	p.stages = append(p.stages, Stage{})
	copy(p.stages[at+1:], p.stages[at:])
	p.stages[at] = s
	return nil
}

func (p *Pipeline) check(op, target string, s Stage) error {
	if strings.TrimSpace(s.Name) == "" || s.Middleware == nil {
		return &StageError{Op: op, Stage: s.Name, Target: target, Err: ErrInvalidStage}
	}
	if p.Has(s.Name) {
		return &StageError{Op: op, Stage: s.Name, Target: target, Err: ErrDuplicateStage}
	}
	return nil
}

// Handler composes the pipeline around h.
func (p *Pipeline) Handler(h http.Handler) http.Handler {
	if h == nil {
		panic("middleware: nil endpoint handler")
	}
	for i := len(p.stages) - 1; i >= 0; i-- {
		h = p.stages[i].Middleware(h)
	}
	return h
}

// Use registers every stage on r in pipeline order.
func (p *Pipeline) Use(r chi.Router) {
	for _, s := range p.stages {
		r.Use(s.Middleware)
	}
}
