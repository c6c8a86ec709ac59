// Package client dials a session daemon over its Unix domain socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/vksync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket. The connection is lazy; the
// first call fails if no daemon is listening.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with args as the request document.
func (c *Client) Call(ctx context.Context, service, method string, args map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.Method(service, method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Session calls a SessionService method.
func (c *Client) Session(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	return c.Call(ctx, api.SessionServiceName, method, args)
}

// Roster calls a RosterService method.
func (c *Client) Roster(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	return c.Call(ctx, api.RosterServiceName, method, args)
}

// Messages calls a MessageService method.
func (c *Client) Messages(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	return c.Call(ctx, api.MessageServiceName, method, args)
}

var watchDesc = &grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}

// Watch streams event envelopes whose kind starts with prefix to fn until
// ctx is done, the stream ends or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, watchDesc, api.Method(api.EventServiceName, "WatchEvents"))
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		env := new(structpb.Struct)
		if err := stream.RecvMsg(env); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}
