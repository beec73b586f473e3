package orchestrator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
)

type streamHandler func(grpc.ServerStream) error

func (h streamHandler) handle(_ interface{}, stream grpc.ServerStream) error { return h(stream) }

func startTestServer(t *testing.T, h streamHandler) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "orchestrator.v1.OrchestratorService",
		HandlerType: (*interface{})(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Exchange",
				Handler:       h.handle,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
	}, nil)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestClient_StartSucceedsOnPromptInit(t *testing.T) {
	addr := startTestServer(t, func(stream grpc.ServerStream) error {
		in := &rawMessage{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		kind, _, err := unmarshalEnvelope(in)
		if err != nil || kind != KindStarted {
			return err
		}
		out, err := marshalEnvelope(KindInit, InitMessage{ExperimentRun: "run-1", ExecutionEnv: "test"})
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	})

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	init, err := c.StartWithTimeout(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "run-1", init.ExperimentRun)
}

func TestClient_StartTimesOutWhenInitNeverArrives(t *testing.T) {
	addr := startTestServer(t, func(stream grpc.ServerStream) error {
		<-stream.Context().Done()
		return nil
	})

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.StartWithTimeout(context.Background(), 100*time.Millisecond)
	require.Error(t, err)
	require.True(t, engineerr.Is(err, engineerr.Transport))
}

func TestClient_StartFailsOnNonInitFirstMessage(t *testing.T) {
	addr := startTestServer(t, func(stream grpc.ServerStream) error {
		in := &rawMessage{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, err := marshalEnvelope(KindEngineStatus, EngineStatusMessage{State: "unexpected"})
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	})

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.StartWithTimeout(context.Background(), 2*time.Second)
	require.Error(t, err)
	require.True(t, engineerr.Is(err, engineerr.Protocol))
}

func TestClient_SendStatusBeforeStartFails(t *testing.T) {
	addr := startTestServer(t, func(stream grpc.ServerStream) error {
		<-stream.Context().Done()
		return nil
	})
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	err = c.SendStatus(context.Background(), EngineStatusMessage{})
	require.Error(t, err)
}
