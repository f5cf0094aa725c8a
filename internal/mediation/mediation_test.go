package mediation

import (
	"context"
	"strings"
	"testing"

	"github.com/commonground/mediation/internal/config"
	"github.com/commonground/mediation/internal/domain"
)

func TestScriptedAdvancesOneStage(t *testing.T) {
	s := NewScripted()

	reply, err := s.Respond(context.Background(), Request{
		Mode:    domain.ModeCollaborative,
		Stage:   domain.StageIntake,
		Message: "We need to split chores",
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if reply.NextStage != string(domain.StagePersonAObservation) {
		t.Fatalf("expected person_a_observation, got %q", reply.NextStage)
	}
	if reply.Message != Guidance(domain.StagePersonAObservation) {
		t.Fatalf("unexpected message: %q", reply.Message)
	}
}

func TestScriptedSoloSkipsPartnerStages(t *testing.T) {
	reply, err := NewScripted().Respond(context.Background(), Request{
		Mode:  domain.ModeSolo,
		Stage: domain.StageReflectionA,
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if reply.NextStage != string(domain.StageCommonGround) {
		t.Fatalf("expected solo session to jump to common_ground, got %q", reply.NextStage)
	}
}

func TestScriptedStaysAtComplete(t *testing.T) {
	reply, err := NewScripted().Respond(context.Background(), Request{
		Mode:  domain.ModeCollaborative,
		Stage: domain.StageComplete,
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if reply.NextStage != "" {
		t.Fatalf("expected no proposal at complete, got %q", reply.NextStage)
	}
}

func TestScriptedHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewScripted().Respond(ctx, Request{Stage: domain.StageIntake}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestSystemPromptListsLegalStages(t *testing.T) {
	prompt := SystemPrompt(Request{
		Topic:       "Chores",
		Mode:        domain.ModeSolo,
		Stage:       domain.StageReflectionA,
		Personality: domain.Personality{Tone: domain.ToneDirect},
	})

	for _, want := range []string{
		"Topic: Chores",
		"Current stage: reflection_a",
		"person_b_observation, common_ground",
		toneGuidance[domain.ToneDirect],
		"Only one person is present",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}

	final := SystemPrompt(Request{Mode: domain.ModeCollaborative, Stage: domain.StageComplete})
	if !strings.Contains(final, "final stage") {
		t.Error("expected final stage note for complete")
	}
}

func TestGuidanceCoversEveryStage(t *testing.T) {
	for _, s := range domain.Stages {
		if _, ok := stageGuidance[s]; !ok {
			t.Errorf("missing guidance for stage %s", s)
		}
	}
}

func TestNewSelectsBackend(t *testing.T) {
	r, err := New(config.MediatorConfig{Backend: config.BackendScripted}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := r.(*Scripted); !ok {
		t.Fatalf("expected *Scripted, got %T", r)
	}

	r, err = New(config.MediatorConfig{Backend: config.BackendOpenAI, OpenAIAPIKey: "k"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := r.(*OpenAIResponder); !ok {
		t.Fatalf("expected *OpenAIResponder, got %T", r)
	}

	if _, err := New(config.MediatorConfig{Backend: "telepathy"}, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
