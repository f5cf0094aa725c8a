package domain

import "fmt"

// Stage is a phase of the NVC conversation protocol.
type Stage string

const (
	StageIntake             Stage = "intake"
	StagePersonAObservation Stage = "person_a_observation"
	StagePersonAFeeling     Stage = "person_a_feeling"
	StagePersonANeed        Stage = "person_a_need"
	StagePersonARequest     Stage = "person_a_request"
	StageReflectionA        Stage = "reflection_a"
	StagePersonBObservation Stage = "person_b_observation"
	StagePersonBFeeling     Stage = "person_b_feeling"
	StagePersonBNeed        Stage = "person_b_need"
	StagePersonBRequest     Stage = "person_b_request"
	StageReflectionB        Stage = "reflection_b"
	StageCommonGround       Stage = "common_ground"
	StageAgreement          Stage = "agreement"
	StageComplete           Stage = "complete"
	FirstStage                    = StageIntake
)

// Stages lists the protocol in order.
var Stages = []Stage{
	StageIntake,
	StagePersonAObservation,
	StagePersonAFeeling,
	StagePersonANeed,
	StagePersonARequest,
	StageReflectionA,
	StagePersonBObservation,
	StagePersonBFeeling,
	StagePersonBNeed,
	StagePersonBRequest,
	StageReflectionB,
	StageCommonGround,
	StageAgreement,
	StageComplete,
}

var stageIndex = func() map[Stage]int {
	m := make(map[Stage]int, len(Stages))
	for i, s := range Stages {
		m[s] = i
	}
	return m
}()

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if _, ok := stageIndex[st]; !ok {
		return "", Validation(fmt.Sprintf("unknown stage %q", s), map[string]string{"stage": "oneof"})
	}
	return st, nil
}

// Valid reports whether s is a member of the protocol.
func (s Stage) Valid() bool {
	_, ok := stageIndex[s]
	return ok
}

// Index returns the protocol position of s, or -1 for unknown stages.
func (s Stage) Index() int {
	if i, ok := stageIndex[s]; ok {
		return i
	}
	return -1
}

// Next returns the immediate successor of s. The second result is false for
// complete and for unknown stages.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(Stages)-1 {
		return "", false
	}
	return Stages[i+1], true
}

// NextStages returns the legal successors of s for a session in the given mode.
func NextStages(mode SessionMode, s Stage) []Stage {
	next, ok := s.Next()
	if !ok {
		return nil
	}
	out := []Stage{next}
	// Solo sessions have no partner perspective to collect.
	if mode == ModeSolo && s == StageReflectionA {
		out = append(out, StageCommonGround)
	}
	return out
}

// CanTransition reports whether moving from one stage to another is legal.
// Staying in the same stage is always allowed.
func CanTransition(mode SessionMode, from, to Stage) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range NextStages(mode, from) {
		if s == to {
			return true
		}
	}
	return false
}

// Transition checks a stage move and returns a conflict error when it is illegal.
func Transition(mode SessionMode, from, to Stage) error {
	if !to.Valid() {
		return Validation(fmt.Sprintf("unknown stage %q", to), map[string]string{"stage": "oneof"})
	}
	if !CanTransition(mode, from, to) {
		return Conflict(fmt.Sprintf("illegal stage transition %s -> %s", from, to))
	}
	return nil
}
