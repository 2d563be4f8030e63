// Package rpc is the wire contract between inference clients and the
// server: messages, the gRPC service description and the mapping between
// pipeline errors and gRPC status codes.
package rpc

import (
	"github.com/Farx1/SA-FHE/pkg/ensemble"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type ManifestRequest struct {
	ClientID string
}

// Manifest is everything a client needs to build requests the server will
// accept. It carries no model internals beyond the output layout.
type Manifest struct {
	Backend        string
	Parameters     fhe.Parameters
	MaxCompareBits int

	Scheme      []byte // JSON encoded quantize.Scheme
	SchemeID    string
	CircuitID   string
	NumFeatures int
	Bits        int
	Classes     int
	LeafScale   int64
	Labels      []string
	Objective   ensemble.Objective
	// Rotations are the slot rotations the evaluation key must hold for
	// packed requests.
	Rotations []int
}

type PredictRequest struct {
	RequestID string
	ClientID  string
	SchemeID  string
	CircuitID string
	// Inputs is one packed ciphertext or one ciphertext per feature.
	Inputs        [][]byte
	EvaluationKey []byte

	SerializationStartTime *timestamppb.Timestamp
}

type PredictResponse struct {
	RequestID string
	// Prediction is a serialization.PredictionBytes envelope.
	Prediction     []byte
	QueueTime      *durationpb.Duration
	ProcessingTime *durationpb.Duration
	Refreshes      int
}

type HealthRequest struct {
	Service string
}

type HealthResponse struct {
	Status      string
	ModelLoaded bool
	Backend     string
	Workers     int
	QueueDepth  int
	QueueSize   int
	Served      uint64
	Rejected    uint64
	Failed      uint64
	Expired     uint64
}
