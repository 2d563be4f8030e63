package rpc

import (
	"context"
	"errors"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var kindCodes = map[fault.Kind]codes.Code{
	fault.Overloaded:          codes.ResourceExhausted,
	fault.Timeout:             codes.DeadlineExceeded,
	fault.SchemeMismatch:      codes.FailedPrecondition,
	fault.CircuitMismatch:     codes.InvalidArgument,
	fault.InvalidParameters:   codes.Aborted,
	fault.NoiseBudgetExceeded: codes.Internal,
	fault.DecryptionError:     codes.DataLoss,
}

var codeKinds = func() map[codes.Code]fault.Kind {
	m := make(map[codes.Code]fault.Kind, len(kindCodes))
	for k, c := range kindCodes {
		m[c] = k
	}
	return m
}()

// ToStatus converts a pipeline error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if code, ok := kindCodes[fault.KindOf(err)]; ok {
		return status.Error(code, err.Error())
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// FromStatus turns a gRPC status back into a *fault.Error where a kind maps
// to its code, so callers can use errors.Is and fault.Retryable.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if kind, ok := codeKinds[st.Code()]; ok {
		return &fault.Error{Kind: kind, Op: "rpc", Err: errors.New(st.Message())}
	}
	return err
}
