package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

// ClientConfig holds gRPC client configuration
type ClientConfig struct {
	Address           string
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	// CommandTimeout bounds fire-and-forget commands and endpoint teardown.
	// Play and Speak are bounded only by their context.
	CommandTimeout time.Duration
	// DialOptions are appended to the defaults. Tests use this to dial
	// an in-memory listener.
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:           "localhost:9090",
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		CommandTimeout:    5 * time.Second,
	}
}

// Client talks to one media server.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    ClientConfig
}

// NewClient creates a client for cfg.Address. The connection is
// established lazily on the first RPC.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultClientConfig().CommandTimeout
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.KeepaliveInterval > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create media client for %s: %w", cfg.Address, err)
	}

	slog.Debug("[Media] Client created", "address", cfg.Address)
	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
	}, nil
}

// Address returns the server address.
func (c *Client) Address() string {
	return c.cfg.Address
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Healthy asks the server for the status of the media service.
func (c *Client) Healthy(ctx context.Context) bool {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// CreateEndpoint allocates an endpoint for callID answering remoteSDP. It
// returns the endpoint id and the local SDP to send in the 200 OK.
func (c *Client) CreateEndpoint(ctx context.Context, callID string, remoteSDP []byte) (string, []byte, error) {
	resp, err := c.invoke(ctx, methodCreateEndpoint, map[string]any{
		"call_id":    callID,
		"remote_sdp": string(remoteSDP),
	})
	if err != nil {
		return "", nil, fmt.Errorf("CreateEndpoint RPC failed: %w", err)
	}
	id := stringField(resp, "endpoint_id")
	if id == "" {
		return "", nil, errors.New("CreateEndpoint: server returned no endpoint id")
	}
	return id, []byte(stringField(resp, "local_sdp")), nil
}

// DestroyEndpoint releases the endpoint on the server.
func (c *Client) DestroyEndpoint(ctx context.Context, endpointID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	if _, err := c.invoke(ctx, methodDestroyEndpoint, map[string]any{"endpoint_id": endpointID}); err != nil {
		return fmt.Errorf("DestroyEndpoint RPC failed: %w", err)
	}
	return nil
}

// Play blocks until source has played on the endpoint.
func (c *Client) Play(ctx context.Context, endpointID, source string) error {
	_, err := c.invoke(ctx, methodPlay, map[string]any{
		"endpoint_id": endpointID,
		"source":      source,
	})
	if err != nil {
		return fmt.Errorf("Play %s: %w", source, err)
	}
	return nil
}

// Speak blocks until the synthesized prompt has played on the endpoint.
func (c *Client) Speak(ctx context.Context, endpointID string, req call.SpeakRequest) error {
	_, err := c.invoke(ctx, methodSpeak, map[string]any{
		"endpoint_id": endpointID,
		"engine":      req.Engine,
		"voice":       req.Voice,
		"text":        req.Text,
	})
	if err != nil {
		return fmt.Errorf("Speak: %w", err)
	}
	return nil
}

// StartFeature starts a named processing feature on the endpoint.
func (c *Client) StartFeature(ctx context.Context, endpointID, name string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	list := make([]any, len(args))
	for i, a := range args {
		list[i] = a
	}
	_, err := c.invoke(ctx, methodStartFeature, map[string]any{
		"endpoint_id": endpointID,
		"name":        name,
		"args":        list,
	})
	if err != nil {
		return fmt.Errorf("StartFeature %s: %w", name, err)
	}
	return nil
}

// StopFeature stops a named processing feature on the endpoint.
func (c *Client) StopFeature(ctx context.Context, endpointID, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	_, err := c.invoke(ctx, methodStopFeature, map[string]any{
		"endpoint_id": endpointID,
		"name":        name,
	})
	if err != nil {
		return fmt.Errorf("StopFeature %s: %w", name, err)
	}
	return nil
}

// EventStream is the receiving side of the Events RPC.
type EventStream interface {
	Recv() (call.RawEvent, error)
}

type grpcEventStream struct {
	stream grpc.ClientStream
}

func (s *grpcEventStream) Recv() (call.RawEvent, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return call.RawEvent{}, err
	}
	return decodeEvent(msg)
}

// Events subscribes to the endpoint's event stream. The stream ends with
// io.EOF when the server releases the endpoint.
func (c *Client) Events(ctx context.Context, endpointID string) (EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &eventsStreamDesc, methodEvents)
	if err != nil {
		return nil, fmt.Errorf("Events RPC failed: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{"endpoint_id": endpointID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("Events RPC failed: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("Events RPC failed: %w", err)
	}
	return &grpcEventStream{stream: stream}, nil
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, translateError(err)
	}
	return resp, nil
}

// translateError maps a NotFound status to call.ErrDestroyed so callers can
// tell a vanished endpoint from a failed command.
func translateError(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", call.ErrDestroyed, status.Convert(err).Message())
	}
	return err
}

// decodeEvent converts a wire event into a RawEvent. The body may be a
// nested object, which is re-encoded as JSON, or a string holding JSON.
func decodeEvent(msg *structpb.Struct) (call.RawEvent, error) {
	ev := call.RawEvent{Name: stringField(msg, "name")}
	body, ok := msg.GetFields()["body"]
	if !ok {
		return ev, nil
	}
	switch v := body.GetKind().(type) {
	case *structpb.Value_StringValue:
		ev.Body = []byte(v.StringValue)
	case *structpb.Value_NullValue:
	default:
		b, err := protojson.Marshal(body)
		if err != nil {
			return ev, fmt.Errorf("encode event body: %w", err)
		}
		ev.Body = b
	}
	return ev, nil
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}
