package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ashureev/yai/internal/domain"
)

// GenerateMethod is the full gRPC method name of the remote engine. The
// request is a google.protobuf.Struct and the server streams
// google.protobuf.StringValue tokens.
const GenerateMethod = "/yai.engine.v1.Engine/Generate"

// GenerateStreamDesc describes the server-streaming Generate call.
var GenerateStreamDesc = grpc.StreamDesc{
	StreamName:    "Generate",
	ServerStreams: true,
}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errEngineUnhealthy          = errors.New("remote engine not serving")
)

// GrpcConfig holds configuration for the remote engine client.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcConfig returns default configuration.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Grpc drives a remote engine over gRPC.
type Grpc struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// NewGrpc connects to a remote engine and waits until the connection is
// ready.
func NewGrpc(cfg GrpcConfig, logger *slog.Logger, opts ...grpc.DialOption) (*Grpc, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client for %s: %w", cfg.Address, err)
	}

	// Fail fast on bad engine endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("engine at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to remote engine", "address", cfg.Address)

	return &Grpc{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
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

// Name implements Engine.
func (c *Grpc) Name() string { return "grpc" }

// Close closes the gRPC connection.
func (c *Grpc) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close engine connection: %w", err)
	}
	return nil
}

// Ping checks the standard gRPC health service of the remote engine.
func (c *Grpc) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errEngineUnhealthy, resp.GetStatus())
	}
	return nil
}

// GenerateRequest encodes a turn as the Struct sent to the remote engine.
func GenerateRequest(history []domain.HistoryEntry, question string, scope domain.ContextScope) (*structpb.Struct, error) {
	turns := make([]any, 0, len(history))
	for _, e := range history {
		turns = append(turns, map[string]any{
			"question": e.Question,
			"answer":   e.Answer,
		})
	}
	fields := make(map[string]any, len(scope.Fields()))
	for _, f := range scope.Fields() {
		fields[f.Key] = f.Value
	}
	req, err := structpb.NewStruct(map[string]any{
		"history":  turns,
		"question": question,
		"scope":    fields,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}
	return req, nil
}

// Generate implements Engine.
func (c *Grpc) Generate(ctx context.Context, history []domain.HistoryEntry, question string, scope domain.ContextScope, sink Sink) error {
	req, err := GenerateRequest(history, question, scope)
	if err != nil {
		return err
	}

	stream, err := c.conn.NewStream(ctx, &GenerateStreamDesc, GenerateMethod)
	if err != nil {
		return fmt.Errorf("generate request failed: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("send generate request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close generate send: %w", err)
	}

	for {
		var tok wrapperspb.StringValue
		err := stream.RecvMsg(&tok)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("generate stream error: %w", err)
		}
		sink(tok.GetValue())
	}
}
