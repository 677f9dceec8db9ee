// Package stage provisions an OMOP CDM database as a pipeline of named
// stages. Every stage declares the single stage it depends on and is a no-op
// for objects that already satisfy its postcondition, so a failed run is
// recovered by running it again.
package stage

import (
	"errors"
	"fmt"
	"strings"
)

type Stage string

const (
	Clean  Stage = "clean"
	Build  Stage = "build"
	Vocabs Stage = "vocabs"
	Load   Stage = "load"
	PKeys  Stage = "pkeys"
	Index  Stage = "index"
	FKeys  Stage = "fkeys"
)

// predecessors holds the one dependency edge of each stage. Clean and Build
// have none.
var predecessors = map[Stage]Stage{
	Vocabs: Build,
	Load:   Vocabs,
	PKeys:  Load,
	Index:  PKeys,
	FKeys:  Index,
}

// Chain lists the provisioning stages root first.
var Chain = []Stage{Build, Vocabs, Load, PKeys, Index, FKeys}

// Predecessor returns the stage s depends on.
func Predecessor(s Stage) (Stage, bool) {
	p, ok := predecessors[s]
	return p, ok
}

// Action is a command requested by the operator.
type Action string

const (
	ActionClean  Action = "clean"
	ActionBuild  Action = "build"
	ActionVocabs Action = "vocabs"
	ActionLoad   Action = "load"
	ActionReload Action = "reload"
	ActionPKeys  Action = "pkeys"
	ActionIndex  Action = "index"
	ActionFKeys  Action = "fkeys"
	ActionAll    Action = "all"
)

// Actions lists every valid action.
var Actions = []Action{
	ActionClean, ActionBuild, ActionVocabs, ActionLoad, ActionReload,
	ActionPKeys, ActionIndex, ActionFKeys, ActionAll,
}

var ErrUnknownAction = errors.New("unknown action")

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Step is one stage execution.
type Step struct {
	Stage Stage
	// DeleteFirst empties tables before loading. Only meaningful for Load.
	DeleteFirst bool
}

func (s Step) String() string {
	if s.DeleteFirst {
		return string(s.Stage) + " (delete first)"
	}
	return string(s.Stage)
}

// Plan resolves action to the steps to run, in order. Unless skipCheck is
// set, every stage the target depends on runs first. Reload deletes only in
// its own load step. Clean never cascades.
func Plan(action Action, skipCheck bool) ([]Step, error) {
	var target Step
	switch action {
	case ActionClean:
		return []Step{{Stage: Clean}}, nil
	case ActionAll:
		steps := make([]Step, 0, len(Chain))
		for _, s := range Chain {
			steps = append(steps, Step{Stage: s})
		}
		return steps, nil
	case ActionReload:
		target = Step{Stage: Load, DeleteFirst: true}
	case ActionBuild, ActionVocabs, ActionLoad, ActionPKeys, ActionIndex, ActionFKeys:
		target = Step{Stage: Stage(action)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, string(action))
	}

	if skipCheck {
		return []Step{target}, nil
	}

	steps := []Step{target}
	for cur := target.Stage; ; {
		prev, ok := predecessors[cur]
		if !ok {
			break
		}
		steps = append(steps, Step{Stage: prev})
		cur = prev
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps, nil
}
