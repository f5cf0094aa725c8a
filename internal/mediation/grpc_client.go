package mediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/commonground/mediation/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// RespondMethod is the full gRPC method name served by the mediator.
const RespondMethod = "/mediation.v1.Mediator/Respond"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errEmptyReply               = errors.New("mediator returned an empty message")
)

// GrpcClient calls a remote mediator service. Requests and replies are
// google.protobuf.Struct values so no generated stubs are needed.
type GrpcClient struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Responder = (*GrpcClient)(nil)

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient dials the mediator and waits until the connection is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mediator at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("mediator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to mediator service", "address", cfg.Address)

	return &GrpcClient{
		conn:    conn,
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Respond sends one turn to the mediator.
func (c *GrpcClient) Respond(ctx context.Context, req Request) (*Reply, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode mediator request: %w", err)
	}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, RespondMethod, in, out); err != nil {
		c.logger.Error("mediator Respond failed", "error", err, "session_id", req.SessionID)
		return nil, fmt.Errorf("mediator request failed: %w", err)
	}

	reply := decodeReply(out)
	if reply.Message == "" {
		return nil, errEmptyReply
	}
	return reply, nil
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		entry := map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
			"stage":   string(m.Stage),
		}
		if m.UserID != nil {
			entry["user_id"] = *m.UserID
		}
		history = append(history, entry)
	}

	return structpb.NewStruct(map[string]any{
		"session_id":   req.SessionID,
		"user_id":      req.UserID,
		"topic":        req.Topic,
		"session_mode": string(req.Mode),
		"stage":        string(req.Stage),
		"personality":  map[string]any{"tone": string(req.Personality.Tone)},
		"history":      history,
		"message":      req.Message,
		"next_stages":  stageNames(domain.NextStages(req.Mode, req.Stage)),
	})
}

func decodeReply(out *structpb.Struct) *Reply {
	fields := out.GetFields()
	return &Reply{
		Message:     fields["message"].GetStringValue(),
		NextStage:   fields["next_stage"].GetStringValue(),
		SafetyAlert: fields["safety_alert"].GetStringValue(),
	}
}

func stageNames(stages []domain.Stage) []any {
	out := make([]any, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
