// Package mediation generates the mediator's side of a conversation turn.
//
// A Responder is constructed once at startup and handed to the session
// service. Backends are a remote gRPC mediator, an OpenAI-compatible chat
// completion API, and a deterministic scripted responder for development.
package mediation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/commonground/mediation/internal/config"
	"github.com/commonground/mediation/internal/domain"
)

// Safety alert kinds a backend may raise. They are passed through to the
// caller without interpretation.
const (
	AlertCrisis     = "crisis"
	AlertEscalation = "escalation"
	AlertAbuse      = "abuse"
)

// Request is everything a backend needs to produce one reply.
type Request struct {
	SessionID   string
	UserID      string
	Topic       string
	Mode        domain.SessionMode
	Stage       domain.Stage
	Personality domain.Personality
	History     []*domain.Message // oldest first, excluding Message
	Message     string
}

// Reply is a backend's answer. NextStage is the raw proposal; the caller
// decides whether it is legal.
type Reply struct {
	Message     string
	NextStage   string
	SafetyAlert string
}

// Responder produces mediator replies.
type Responder interface {
	Respond(ctx context.Context, req Request) (*Reply, error)
	Close()
}

// New builds the responder selected by cfg.Backend.
func New(cfg config.MediatorConfig, logger *slog.Logger) (Responder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case config.BackendGRPC:
		gcfg := DefaultGrpcClientConfig()
		gcfg.Address = cfg.GRPCAddr
		if cfg.Timeout > 0 {
			gcfg.RequestTimeout = cfg.Timeout
		}
		return NewGrpcClient(gcfg, logger)
	case config.BackendOpenAI:
		return NewOpenAIResponder(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.Timeout,
		}, logger), nil
	case config.BackendScripted, "":
		logger.Info("Using scripted mediator")
		return NewScripted(), nil
	default:
		return nil, fmt.Errorf("unknown mediator backend %q", cfg.Backend)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
