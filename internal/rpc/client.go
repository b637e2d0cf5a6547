package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the intake service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a plaintext client for target. The connection is made lazily
// on the first call.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// SendTransaction submits message on behalf of clientID.
func (c *Client) SendTransaction(ctx context.Context, message, clientID string) (*TransactionResponse, error) {
	in, err := (&TransactionRequest{Message: message, ClientID: clientID}).toStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodSendTransaction, in, out); err != nil {
		return nil, err
	}
	return responseFromStruct(out), nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
