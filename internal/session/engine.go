package session

import (
	"context"
	"errors"
	"time"

	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/mediation"
	"github.com/commonground/mediation/internal/realtime"
	"github.com/commonground/mediation/internal/store"
	"github.com/commonground/mediation/internal/transcript"
)

// TurnResult is the outcome of one posted message.
type TurnResult struct {
	UserMessage      *domain.Message `json:"user_message"`
	AssistantMessage *domain.Message `json:"assistant_message"`
	Stage            domain.Stage    `json:"stage"`
	PreviousStage    domain.Stage    `json:"previous_stage"`
	Status           domain.Status   `json:"status"`
	SafetyAlert      string          `json:"safety_alert,omitempty"`
	// RejectedStage is the mediator's proposal when it was not a legal move.
	RejectedStage string `json:"rejected_stage,omitempty"`
}

// PostMessage runs one conversation turn. The mediator is consulted before
// anything is written; the user message, any stage advance, and the reply
// are then stored together. A mediator failure leaves the session untouched.
func (s *Service) PostMessage(ctx context.Context, sessionID, userID, content string) (*TurnResult, error) {
	content, err := validateContent(content)
	if err != nil {
		return nil, err
	}
	session, err := s.authorize(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusActive {
		return nil, domain.Conflict("session is not active")
	}

	history, err := s.repo.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, domain.Internal("failed to load messages", err)
	}
	var lastSeq int64
	if len(history) > 0 {
		lastSeq = history[len(history)-1].Seq
	}

	postedAt := s.now()
	start := time.Now()
	reply, err := s.mediator.Respond(ctx, mediation.Request{
		SessionID:   sessionID,
		UserID:      userID,
		Topic:       session.Topic,
		Mode:        session.Mode,
		Stage:       session.Stage,
		Personality: session.Personality,
		History:     history,
		Message:     content,
	})
	s.metrics.ObserveMediation(time.Since(start), err)
	if err != nil {
		s.logger.Error("mediator failed", "error", err, "session_id", sessionID)
		return nil, domain.Internal("failed to generate a response", err)
	}
	if reply == nil {
		return nil, domain.Internal("failed to generate a response", errors.New("mediator returned no reply"))
	}

	from := session.Stage
	to, rejected := s.resolveProposal(session, reply.NextStage)
	status := domain.StatusActive
	if to == domain.StageComplete {
		status = domain.StatusCompleted
	}

	uid := userID
	userMsg := &domain.Message{
		ID:        s.newID(),
		SessionID: sessionID,
		UserID:    &uid,
		Role:      domain.RoleUser,
		Content:   content,
		Stage:     from,
		CreatedAt: postedAt,
	}
	now := s.now()
	assistantMsg := &domain.Message{
		ID:        s.newID(),
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   reply.Message,
		Stage:     to,
		CreatedAt: now,
	}

	err = s.repo.RecordTurn(ctx, store.Turn{
		SessionID:        sessionID,
		FromStage:        from,
		ToStage:          to,
		ToStatus:         status,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Now:              now,
		LastSeq:          lastSeq,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return nil, domain.Conflict("session advanced concurrently")
		}
		return nil, domain.Internal("failed to save turn", err)
	}

	s.afterTurn(ctx, userMsg, assistantMsg, from, status, reply.SafetyAlert)
	if _, err := s.repo.TouchParticipant(ctx, sessionID, userID, now); err != nil {
		s.logger.Warn("failed to update presence", "error", err, "session_id", sessionID)
	}

	return &TurnResult{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Stage:            to,
		PreviousStage:    from,
		Status:           status,
		SafetyAlert:      reply.SafetyAlert,
		RejectedStage:    rejected,
	}, nil
}

// resolveProposal returns the stage the session moves to and, when the
// proposal was refused, the raw proposal.
func (s *Service) resolveProposal(session *domain.Session, proposal string) (domain.Stage, string) {
	if proposal == "" || proposal == string(session.Stage) {
		return session.Stage, ""
	}
	if err := domain.Transition(session.Mode, session.Stage, domain.Stage(proposal)); err != nil {
		s.logger.Warn("rejected stage proposal",
			"session_id", session.ID, "stage", session.Stage, "proposed", proposal, "error", err)
		s.metrics.StageRejected()
		return session.Stage, proposal
	}
	return domain.Stage(proposal), ""
}

func (s *Service) afterTurn(ctx context.Context, userMsg, assistantMsg *domain.Message, from domain.Stage, status domain.Status, alert string) {
	s.record(userMsg, "user_message")
	s.record(assistantMsg, "assistant_message")
	s.publishMessage(ctx, userMsg)
	s.publishMessage(ctx, assistantMsg)

	to := assistantMsg.Stage
	if to != from {
		s.transcript.Log(transcript.Event{
			At:        assistantMsg.CreatedAt,
			EventType: "stage_change",
			SessionID: assistantMsg.SessionID,
			Stage:     string(to),
			FromStage: string(from),
		})
		s.metrics.StageTransition(string(from), string(to))
		s.publish(ctx, realtime.Event{
			Type:      realtime.EventStage,
			SessionID: assistantMsg.SessionID,
			Data:      realtime.StageChange{From: string(from), To: string(to)},
			At:        assistantMsg.CreatedAt,
		})
		s.logger.Info("session stage advanced",
			"session_id", assistantMsg.SessionID, "from", from, "to", to)
	}

	if alert != "" {
		s.metrics.SafetyAlert(alert)
		s.transcript.Log(transcript.Event{
			At:        assistantMsg.CreatedAt,
			EventType: "safety_alert",
			SessionID: assistantMsg.SessionID,
			MessageID: assistantMsg.ID,
			Stage:     string(to),
			Alert:     alert,
		})
		s.logger.Warn("safety alert raised",
			"session_id", assistantMsg.SessionID, "alert", alert)
	}

	if status.Terminal() {
		s.publishStatus(ctx, assistantMsg.SessionID, domain.StatusActive, status, assistantMsg.CreatedAt)
	}
}
