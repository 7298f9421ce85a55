package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestGRPCHealth(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(GRPCServerConfig{Logger: quietLogger()})

	served := make(chan error, 1)
	go func() { served <- srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown.Service"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))
	assert.NoError(t, <-served)
}

func TestRecoveryUnaryInterceptor(t *testing.T) {
	interceptor := recoveryUnaryInterceptor(quietLogger())
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Panic"}

	_, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("unexpected")
	})
	assert.Equal(t, codes.Internal, status.Code(err))

	resp, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestLoggingUnaryInterceptor_PassesThrough(t *testing.T) {
	interceptor := loggingUnaryInterceptor(quietLogger())
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Fail"}
	want := status.Error(codes.Unavailable, "down")

	_, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, want
	})
	assert.Equal(t, want, err)
}

func TestLogCall_Levels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		err    error
		want   string
	}{
		{"ok", "/test.Service/Ok", nil, "INFO"},
		{"client error", "/test.Service/Bad", status.Error(codes.InvalidArgument, "bad"), "WARN"},
		{"server error", "/test.Service/Down", status.Error(codes.Unavailable, "down"), "ERROR"},
		{"plain error", "/test.Service/Plain", errors.New("boom"), "ERROR"},
		{"health probe", "/grpc.health.v1.Health/Check", nil, "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			logCall(logger, tt.method, time.Now(), tt.err)

			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, tt.want, line["level"])
			assert.Equal(t, tt.method, line["method"])
		})
	}
}
