package mediation

import (
	"context"

	"github.com/commonground/mediation/internal/domain"
)

// Scripted advances one stage per turn and replies with the next stage's
// guidance. It never calls out of process.
type Scripted struct{}

var _ Responder = (*Scripted)(nil)

// NewScripted returns a scripted responder.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Respond proposes the furthest legal successor of the current stage.
func (s *Scripted) Respond(ctx context.Context, req Request) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := domain.NextStages(req.Mode, req.Stage)
	if len(next) == 0 {
		return &Reply{Message: Guidance(req.Stage)}, nil
	}
	target := next[len(next)-1]
	return &Reply{
		Message:   Guidance(target),
		NextStage: string(target),
	}, nil
}

// Close is a no-op.
func (s *Scripted) Close() {}
