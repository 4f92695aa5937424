package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-compare/internal/faceembed"
	"github.com/example/face-compare/internal/logging"
)

// ExtractFacesMethod is the unary method served by the model sidecar.
// Request and response are google.protobuf.Struct messages.
const ExtractFacesMethod = "/faceembed.v1.FaceEmbedder/ExtractFaces"

// DialFaceEmbedder returns a ready-to-use gRPC client for the model sidecar.
func DialFaceEmbedder(ctx context.Context, addr, device string, logger *zap.Logger, opts ...grpc.DialOption) (faceembed.Extractor, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_embedder", "", err)
		logger.Error("failed to dial face embedder", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcFaceEmbedder{conn: conn, device: device, logger: logger.Named("grpc_face_embedder")}, conn, nil
}

type grpcFaceEmbedder struct {
	conn   grpc.ClientConnInterface
	device string
	logger *zap.Logger
}

func (g *grpcFaceEmbedder) Name() string {
	return "grpc"
}

func (g *grpcFaceEmbedder) ExtractFile(ctx context.Context, path string) ([]faceembed.Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"image": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, err
	}

	if g.device != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-device", g.device)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ExtractFacesMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.extract_faces", "", err)
		g.logger.Error("face embedder call failed", zap.Error(wrapped), zap.String("path", path))
		return nil, wrapped
	}

	return ParseFaces(resp)
}

// ParseFaces converts a sidecar response into faces, preserving detection order.
func ParseFaces(resp *structpb.Struct) ([]faceembed.Face, error) {
	raw, ok := resp.GetFields()["faces"]
	if !ok {
		return nil, errors.New("face embedder response has no faces field")
	}
	list := raw.GetListValue()
	if list == nil {
		return nil, errors.New("face embedder faces field is not a list")
	}

	faces := make([]faceembed.Face, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()

		embedding, err := floats(fields["embedding"])
		if err != nil {
			return nil, fmt.Errorf("face %d embedding: %w", i, err)
		}
		if len(embedding) == 0 {
			return nil, fmt.Errorf("face %d has an empty embedding", i)
		}

		f := faceembed.Face{Embedding: make(faceembed.Embedding, len(embedding))}
		for j, x := range embedding {
			f.Embedding[j] = float32(x)
		}
		if box, err := floats(fields["box"]); err == nil && len(box) == 4 {
			f.Box = image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3]))
		}
		faces = append(faces, f)
	}
	return faces, nil
}

func floats(v *structpb.Value) ([]float64, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New("not a list")
	}
	out := make([]float64, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, errors.New("non-numeric element")
		}
		out = append(out, n.NumberValue)
	}
	return out, nil
}
