package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection. The connection must default to
// the JSON content subtype.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return invoke[ListResponse](ctx, c, "List", req)
}

func (c *Client) LoadMore(ctx context.Context) (*LoadMoreResponse, error) {
	return invoke[LoadMoreResponse](ctx, c, "LoadMore", &LoadMoreRequest{})
}

func (c *Client) Reload(ctx context.Context) (*ListResponse, error) {
	return invoke[ListResponse](ctx, c, "Reload", &ReloadRequest{})
}

func (c *Client) Mutate(ctx context.Context, req *MutateRequest) (*MutateResponse, error) {
	return invoke[MutateResponse](ctx, c, "Mutate", req)
}

func (c *Client) Select(ctx context.Context, req *SelectRequest) (*SelectResponse, error) {
	return invoke[SelectResponse](ctx, c, "Select", req)
}

func (c *Client) ApplyBatch(ctx context.Context, req *ApplyBatchRequest) (*ApplyBatchResponse, error) {
	return invoke[ApplyBatchResponse](ctx, c, "ApplyBatch", req)
}

func (c *Client) RetryWrite(ctx context.Context, id string) (*MutateResponse, error) {
	return invoke[MutateResponse](ctx, c, "RetryWrite", &RetryWriteRequest{ID: id})
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", &StatusRequest{})
}

// Watch opens the event stream. Cancel ctx to end it.
func (c *Client) Watch(ctx context.Context, req *WatchRequest) (grpc.ServerStreamingClient[WatchEvent], error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Watch"), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchRequest, WatchEvent]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
