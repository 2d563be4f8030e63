package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/durationpb"
)

type fakeServer struct {
	manifest *Manifest
	err      error
}

func (s *fakeServer) Manifest(ctx context.Context, req *ManifestRequest) (*Manifest, error) {
	return s.manifest, nil
}

func (s *fakeServer) Predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error) {
	if s.err != nil {
		return nil, ToStatus(s.err)
	}
	return &PredictResponse{RequestID: req.RequestID, Prediction: req.Inputs[0], ProcessingTime: durationpb.New(time.Second)}, nil
}

func (s *fakeServer) Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{Status: "ok", ModelLoaded: true}, nil
}

func dial(t *testing.T, srv InferenceServer) InferenceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterInferenceServer(s, srv)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewInferenceClient(conn)
}

func TestRoundTrip(t *testing.T) {
	m := &Manifest{
		Backend:     "simulated",
		Parameters:  fhe.TestParameters(),
		SchemeID:    "qs-1",
		CircuitID:   "hc-1",
		NumFeatures: 768,
		Bits:        3,
		Classes:     1,
		LeafScale:   1024,
		Labels:      []string{"Negative", "Positive"},
		Rotations:   []int{1, 2, 4},
	}
	c := dial(t, &fakeServer{manifest: m})
	ctx := context.Background()

	got, err := c.Manifest(ctx, &ManifestRequest{ClientID: "c"})
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("manifest changed (-want +got):\n%s", diff)
	}

	resp, err := c.Predict(ctx, &PredictRequest{RequestID: "r1", Inputs: [][]byte{{1, 2, 3}}})
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, []byte{1, 2, 3}, resp.Prediction)
	assert.Equal(t, time.Second, resp.ProcessingTime.AsDuration())
	assert.Nil(t, resp.QueueTime)

	h, err := c.Health(ctx, &HealthRequest{})
	require.NoError(t, err)
	assert.True(t, h.ModelLoaded)
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	for _, sentinel := range []*fault.Error{
		fault.ErrOverloaded, fault.ErrTimeout, fault.ErrSchemeMismatch, fault.ErrCircuitMismatch,
		fault.ErrInvalidParameters, fault.ErrNoiseBudgetExceeded, fault.ErrDecryption,
	} {
		c := dial(t, &fakeServer{err: fault.Errorf(sentinel.Kind, "server.Predict", "boom")})
		_, err := c.Predict(context.Background(), &PredictRequest{RequestID: "r"})
		assert.True(t, errors.Is(err, sentinel), "%s: %v", sentinel.Kind, err)
		assert.Equal(t, sentinel.Kind == fault.Overloaded || sentinel.Kind == fault.Timeout, fault.Retryable(err))
	}
}

func TestToStatus(t *testing.T) {
	assert.Nil(t, ToStatus(nil))
	assert.Equal(t, codes.ResourceExhausted, status.Code(ToStatus(fault.ErrOverloaded)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(ToStatus(context.DeadlineExceeded)))
	assert.Equal(t, codes.Canceled, status.Code(ToStatus(context.Canceled)))
	assert.Equal(t, codes.Unknown, status.Code(ToStatus(errors.New("plain"))))

	st := status.Error(codes.NotFound, "missing")
	assert.Equal(t, st, ToStatus(st))
	assert.Equal(t, st, FromStatus(st))
}
