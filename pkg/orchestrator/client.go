// Package orchestrator implements the engine's outbound client to its
// controlling orchestrator: a single bidirectional gRPC stream carrying
// Started → Init → EngineStatus*, per §6. There is no .proto schema to
// generate against, so the stream is opened against a fixed method name
// with the raw-bytes codec registered in codec.go, and every frame is a
// JSON envelope (see messages.go) passed through untouched.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
)

// exchangeMethod is the fixed full method name this engine and its
// orchestrator agree on out of band (no generated service descriptor
// exists to derive it from).
const exchangeMethod = "/orchestrator.v1.OrchestratorService/Exchange"

// initTimeout bounds how long the client waits for the orchestrator's
// Init reply after sending Started.
const initTimeout = 60 * time.Second

// statusTimeout bounds one outbound EngineStatus send.
const statusTimeout = 5 * time.Second

var exchangeStreamDesc = grpc.StreamDesc{
	StreamName:    "Exchange",
	ServerStreams: true,
	ClientStreams: true,
}

// Client is the engine's handle to one orchestrator connection.
type Client struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	log    *slog.Logger
}

// Dial opens a gRPC channel to addr. The stream itself is opened by
// Start, once the caller is ready to begin the handshake.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodecName)),
	)
	if err != nil {
		return nil, engineerr.New(engineerr.Transport, err)
	}
	return &Client{conn: conn, log: slog.With("component", "orchestrator.client")}, nil
}

// Start opens the exchange stream, sends Started, and waits up to
// initTimeout for the orchestrator's Init reply. Any non-Init first
// message is a protocol error.
func (c *Client) Start(ctx context.Context) (*InitMessage, error) {
	return c.StartWithTimeout(ctx, initTimeout)
}

// StartWithTimeout is Start with an explicit init deadline, so tests can
// exercise the timeout path without waiting the full 60 seconds.
func (c *Client) StartWithTimeout(ctx context.Context, timeout time.Duration) (*InitMessage, error) {
	stream, err := c.conn.NewStream(ctx, &exchangeStreamDesc, exchangeMethod)
	if err != nil {
		return nil, engineerr.New(engineerr.Transport, err)
	}
	c.stream = stream

	started, err := marshalEnvelope(KindStarted, StartedMessage{})
	if err != nil {
		return nil, engineerr.New(engineerr.Protocol, err)
	}
	if err := stream.SendMsg(started); err != nil {
		return nil, engineerr.New(engineerr.Transport, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type recvResult struct {
		kind MessageKind
		body []byte
		err  error
	}
	resultc := make(chan recvResult, 1)
	go func() {
		raw := &rawMessage{}
		if err := stream.RecvMsg(raw); err != nil {
			resultc <- recvResult{err: err}
			return
		}
		kind, body, err := unmarshalEnvelope(raw)
		resultc <- recvResult{kind: kind, body: body, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, engineerr.New(engineerr.Transport, engineerr.ErrReceiveInitTimeout)
	case res := <-resultc:
		if res.err != nil {
			return nil, engineerr.New(engineerr.Transport, res.err)
		}
		if res.kind != KindInit {
			return nil, engineerr.New(engineerr.Protocol, fmt.Errorf("%w: first message was %q", engineerr.ErrProtocolFirstNotInit, res.kind))
		}
		var init InitMessage
		if err := json.Unmarshal(res.body, &init); err != nil {
			return nil, engineerr.New(engineerr.Protocol, err)
		}
		return &init, nil
	}
}

// SendStatus pushes one EngineStatus update, bounded by statusTimeout.
func (c *Client) SendStatus(ctx context.Context, status EngineStatusMessage) error {
	if c.stream == nil {
		return engineerr.New(engineerr.Fatal, fmt.Errorf("orchestrator: SendStatus called before Start"))
	}
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	msg, err := marshalEnvelope(KindEngineStatus, status)
	if err != nil {
		return engineerr.New(engineerr.Protocol, err)
	}

	errc := make(chan error, 1)
	go func() { errc <- c.stream.SendMsg(msg) }()

	select {
	case <-ctx.Done():
		return engineerr.New(engineerr.Transport, fmt.Errorf("engine status send timed out"))
	case err := <-errc:
		if err != nil {
			return engineerr.New(engineerr.Transport, err)
		}
		return nil
	}
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
