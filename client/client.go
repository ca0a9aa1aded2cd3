// Package client is a Go client for the reprsim Arrow Flight service.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultPollInterval is the WaitSimilarity retry interval when none is given.
const DefaultPollInterval = 250 * time.Millisecond

// Client wraps a flight.Client with the reprsim actions and ticket format.
type Client struct {
	addr string
	fc   flight.Client
}

// New connects to addr. Connections are insecure unless opts supply
// credentials; opts are applied after the defaults.
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(1024*1024*100), // 100MB
			grpc.MaxCallSendMsgSize(1024*1024*100),
		),
	}
	dialOpts = append(dialOpts, opts...)

	fc, err := flight.NewClientWithMiddleware(addr, nil, nil, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{addr: addr, fc: fc}, nil
}

func (c *Client) Close() error {
	return c.fc.Close()
}

// Ingest loads the representation at source under key. An empty source means
// the key is the source.
func (c *Client) Ingest(ctx context.Context, key, source string, gridSide, embeddingWidth int) error {
	_, err := c.action(ctx, "ingest", map[string]interface{}{
		"key":             key,
		"source":          source,
		"grid_side":       gridSide,
		"embedding_width": embeddingWidth,
	})
	return err
}

// Has reports whether key is loaded on the server.
func (c *Client) Has(ctx context.Context, key string) (bool, error) {
	body, err := c.action(ctx, "has", map[string]string{"key": key})
	if err != nil {
		return false, err
	}
	var resp struct {
		Ready bool `json:"ready"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode has response: %w", err)
	}
	return resp.Ready, nil
}

// List returns the loaded keys in sorted order.
func (c *Client) List(ctx context.Context) ([]string, error) {
	body, err := c.action(ctx, "list", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return resp.Keys, nil
}

// Metrics returns the similarity metric names the server supports.
func (c *Client) Metrics(ctx context.Context) ([]string, error) {
	body, err := c.action(ctx, "metrics", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Metrics []string `json:"metrics"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode metrics response: %w", err)
	}
	return resp.Metrics, nil
}

// Similarity fetches the similarity map of (row, col) in key1 against every
// position of key2. A missing key yields an error for which IsNotReady is
// true.
func (c *Client) Similarity(ctx context.Context, metric, key1, key2 string, row, col int) ([]float32, error) {
	ticket, err := json.Marshal(map[string]interface{}{
		"metric": metric,
		"key1":   key1,
		"key2":   key2,
		"row":    row,
		"col":    col,
	})
	if err != nil {
		return nil, err
	}

	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: ticket})
	if err != nil {
		return nil, err
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer rdr.Release()

	var scores []float32
	for rdr.Next() {
		scoreCol, ok := rdr.Record().Column(1).(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("unexpected score column type %s", rdr.Record().Column(1).DataType())
		}
		scores = append(scores, scoreCol.Float32Values()...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return scores, nil
}

// WaitSimilarity calls Similarity until it stops reporting NotReady, polling
// every interval. Other errors and context expiry end the wait.
func (c *Client) WaitSimilarity(ctx context.Context, metric, key1, key2 string, row, col int, interval time.Duration) ([]float32, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		scores, err := c.Similarity(ctx, metric, key1, key2, row, col)
		if err == nil || !IsNotReady(err) {
			return scores, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) action(ctx context.Context, typ string, body interface{}) ([]byte, error) {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}

	stream, err := c.fc.DoAction(ctx, &flight.Action{Type: typ, Body: raw})
	if err != nil {
		return nil, err
	}
	res, err := stream.Recv()
	if err != nil {
		return nil, err
	}
	// Drain so the server's stream completes cleanly.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}
	return res.Body, nil
}
