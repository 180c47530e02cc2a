package codec

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
)

// #region methods
// Full method names served by the inference sidecar. Requests and replies
// are google.protobuf.Struct messages.
const (
	methodEmbed     = "/assessor.v1.Inference/Embed"
	methodSummarize = "/assessor.v1.Inference/Summarize"
	methodAnalyze   = "/assessor.v1.Inference/Analyze"
)

// #endregion methods

// #region client-struct
// CodecClient wraps the gRPC connection to the inference sidecar and
// implements capability.Backend.
type CodecClient struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

var _ capability.Backend = (*CodecClient)(nil)

// #endregion client-struct

// #region constructor
// NewCodecClient connects to the inference gRPC server.
func NewCodecClient(addr string) (*CodecClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &CodecClient{conn: conn, cc: conn}, nil
}

// NewCodecClientWithConn creates a CodecClient over an existing connection.
// Used for testing without a real server.
func NewCodecClientWithConn(cc grpc.ClientConnInterface) *CodecClient {
	return &CodecClient{cc: cc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *CodecClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region embed
// Embed sends text to the inference service for embedding.
func (c *CodecClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.call(ctx, methodEmbed, map[string]interface{}{"text": text})
	if err != nil {
		return nil, fmt.Errorf("embed rpc: %w", err)
	}
	values := resp.GetFields()["embedding"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, fmt.Errorf("embed rpc: empty embedding")
	}
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v.GetNumberValue())
	}
	return vec, nil
}

// #endregion embed

// #region summarize
// Summarize asks the service to condense a conversation segment.
func (c *CodecClient) Summarize(ctx context.Context, messages []capability.Message) (string, error) {
	list := make([]interface{}, len(messages))
	for i, m := range messages {
		list[i] = map[string]interface{}{"role": m.Role, "content": m.Content}
	}
	resp, err := c.call(ctx, methodSummarize, map[string]interface{}{"messages": list})
	if err != nil {
		return "", fmt.Errorf("summarize rpc: %w", err)
	}
	return resp.GetFields()["summary"].GetStringValue(), nil
}

// #endregion summarize

// #region analyze
// Analyze asks the service to grade a whole session transcript.
func (c *CodecClient) Analyze(ctx context.Context, transcript string) (capability.Analysis, error) {
	resp, err := c.call(ctx, methodAnalyze, map[string]interface{}{"transcript": transcript})
	if err != nil {
		return capability.Analysis{}, fmt.Errorf("analyze rpc: %w", err)
	}
	f := resp.GetFields()
	return capability.Analysis{
		Outcome:    f["outcome"].GetNumberValue(),
		Confidence: f["confidence"].GetNumberValue(),
		Summary:    f["summary"].GetStringValue(),
	}.Normalize(), nil
}

// #endregion analyze

// #region call
func (c *CodecClient) call(ctx context.Context, method string, req map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// mapError marks transport-level failures as capability.ErrUnavailable.
func mapError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fmt.Errorf("%w: %w", capability.ErrUnavailable, err)
	}
	return err
}

// #endregion call
