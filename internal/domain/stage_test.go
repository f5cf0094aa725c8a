package domain

import (
	"errors"
	"testing"
)

func TestStagesAreOrdered(t *testing.T) {
	if Stages[0] != FirstStage {
		t.Fatalf("expected first stage %q, got %q", FirstStage, Stages[0])
	}
	if Stages[len(Stages)-1] != StageComplete {
		t.Fatalf("expected last stage complete, got %q", Stages[len(Stages)-1])
	}
	for i, s := range Stages {
		if s.Index() != i {
			t.Errorf("stage %q: expected index %d, got %d", s, i, s.Index())
		}
	}
}

func TestParseStage(t *testing.T) {
	st, err := ParseStage("common_ground")
	if err != nil {
		t.Fatalf("ParseStage failed: %v", err)
	}
	if st != StageCommonGround {
		t.Fatalf("expected common_ground, got %q", st)
	}

	_, err = ParseStage("person_c_feeling")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		mode SessionMode
		from Stage
		to   Stage
		want bool
	}{
		{"successor", ModeCollaborative, StageIntake, StagePersonAObservation, true},
		{"same stage", ModeCollaborative, StagePersonAFeeling, StagePersonAFeeling, true},
		{"skip ahead", ModeCollaborative, StageIntake, StagePersonAFeeling, false},
		{"regression", ModeCollaborative, StagePersonANeed, StagePersonAFeeling, false},
		{"solo skips partner", ModeSolo, StageReflectionA, StageCommonGround, true},
		{"collaborative cannot skip partner", ModeCollaborative, StageReflectionA, StageCommonGround, false},
		{"solo may still collect partner", ModeSolo, StageReflectionA, StagePersonBObservation, true},
		{"complete is final", ModeSolo, StageComplete, StageIntake, false},
		{"unknown target", ModeSolo, StageIntake, Stage("bogus"), false},
		{"unknown source", ModeSolo, Stage("bogus"), StageIntake, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.mode, tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", tt.mode, tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTransitionErrorKinds(t *testing.T) {
	if err := Transition(ModeSolo, StageIntake, StagePersonAObservation); err != nil {
		t.Fatalf("expected legal transition, got %v", err)
	}
	if err := Transition(ModeSolo, StageAgreement, StageIntake); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for regression, got %v", err)
	}
	if err := Transition(ModeSolo, StageIntake, Stage("nope")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown stage, got %v", err)
	}
}

func TestEveryStageReachesComplete(t *testing.T) {
	for _, mode := range []SessionMode{ModeSolo, ModeCollaborative} {
		s := FirstStage
		for steps := 0; s != StageComplete; steps++ {
			if steps > len(Stages) {
				t.Fatalf("mode %s: protocol does not terminate", mode)
			}
			next := NextStages(mode, s)
			if len(next) == 0 {
				t.Fatalf("mode %s: stage %s has no successor", mode, s)
			}
			s = next[0]
		}
	}
	if next := NextStages(ModeSolo, StageComplete); next != nil {
		t.Fatalf("expected no successors for complete, got %v", next)
	}
}
