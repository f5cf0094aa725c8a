package mediation

import (
	"fmt"
	"strings"

	"github.com/commonground/mediation/internal/domain"
)

// stageGuidance is what the mediator is trying to draw out in each stage.
var stageGuidance = map[domain.Stage]string{
	domain.StageIntake:             "Welcome the participants and ask what brought them here today.",
	domain.StagePersonAObservation: "Ask the first person to describe what happened as a neutral observation, without judgement or interpretation.",
	domain.StagePersonAFeeling:     "Ask the first person how they felt when that happened.",
	domain.StagePersonANeed:        "Ask the first person which need of theirs was not being met.",
	domain.StagePersonARequest:     "Ask the first person for a concrete, doable request.",
	domain.StageReflectionA:        "Reflect back what the first person shared and check that it was heard accurately.",
	domain.StagePersonBObservation: "Invite the second person to describe what happened from their side as a neutral observation.",
	domain.StagePersonBFeeling:     "Ask the second person how they felt.",
	domain.StagePersonBNeed:        "Ask the second person which need of theirs was not being met.",
	domain.StagePersonBRequest:     "Ask the second person for a concrete, doable request.",
	domain.StageReflectionB:        "Reflect back what the second person shared and check that it was heard accurately.",
	domain.StageCommonGround:       "Name the needs both sides share and where their requests overlap.",
	domain.StageAgreement:          "Help shape a specific agreement both can commit to, with who does what and by when.",
	domain.StageComplete:           "Summarise the agreement and thank everyone for taking part.",
}

var toneGuidance = map[domain.Tone]string{
	domain.ToneGentle:   "Be warm and patient. Slow down whenever emotions run high.",
	domain.ToneBalanced: "Be warm but keep the conversation moving.",
	domain.ToneDirect:   "Be concise and name patterns plainly, while staying respectful.",
}

// Guidance returns the prompt line for a stage.
func Guidance(stage domain.Stage) string {
	if g, ok := stageGuidance[stage]; ok {
		return g
	}
	return stageGuidance[domain.StageIntake]
}

// SystemPrompt describes the protocol, the current stage, and the legal next
// stages for a chat-completion backend.
func SystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a mediator guiding a conversation using Nonviolent Communication ")
	b.WriteString("(observation, feeling, need, request).\n")
	if req.Mode == domain.ModeSolo {
		b.WriteString("Only one person is present. Help them prepare for a conversation with their partner.\n")
	} else {
		b.WriteString("Two people take part. Address whoever is speaking and keep turns balanced.\n")
	}
	if req.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	}

	tone := req.Personality.Tone
	if _, ok := toneGuidance[tone]; !ok {
		tone = domain.ToneBalanced
	}
	b.WriteString(toneGuidance[tone])
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Current stage: %s. %s\n", req.Stage, Guidance(req.Stage))

	next := domain.NextStages(req.Mode, req.Stage)
	if len(next) == 0 {
		b.WriteString("This is the final stage. Do not propose another stage.\n")
	} else {
		names := make([]string, len(next))
		for i, s := range next {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, "When this stage's goal is met, set next_stage to one of: %s. ", strings.Join(names, ", "))
		b.WriteString("Otherwise leave next_stage empty.\n")
	}

	b.WriteString("If anyone mentions self-harm or danger set safety_alert to \"crisis\"; ")
	b.WriteString("for rising hostility use \"escalation\"; for abusive behaviour use \"abuse\". ")
	b.WriteString("Otherwise leave it empty.\n\n")
	b.WriteString(`Respond with a JSON object: {"message": string, "next_stage": string, "safety_alert": string}.`)
	return b.String()
}
