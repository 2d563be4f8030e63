package serialization

import (
	"encoding"
	"fmt"
	"sort"
)

// PublicKeyBytes represents the serialized form of a public key
type PublicKeyBytes struct {
	Backend string
	Value   []byte
}

// EvaluationKeyBytes represents the serialized form of an evaluation key
// set: one relinearization key and one Galois key per rotation.
type EvaluationKeyBytes struct {
	Backend   string
	Relin     []byte
	Rotations []int
	Galois    map[int][]byte // keyed by rotation
}

// SerializePublicKey serializes a public key
func SerializePublicKey(backend string, pk encoding.BinaryMarshaler) ([]byte, error) {
	data, err := MarshalBinary(pk)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize public key: %v", err)
	}
	return EncodeGob(PublicKeyBytes{Backend: backend, Value: data})
}

// DeserializePublicKey returns the raw key body after checking the backend
func DeserializePublicKey(backend string, data []byte) ([]byte, error) {
	var pk PublicKeyBytes
	if err := DecodeGob(data, &pk); err != nil {
		return nil, err
	}
	if pk.Backend != backend {
		return nil, fmt.Errorf("public key for backend %q, expected %q", pk.Backend, backend)
	}
	return pk.Value, nil
}

// SerializeEvaluationKey serializes a relinearization key and Galois keys
func SerializeEvaluationKey(backend string, rlk encoding.BinaryMarshaler, gks map[int]encoding.BinaryMarshaler) ([]byte, error) {
	out := EvaluationKeyBytes{
		Backend: backend,
		Galois:  make(map[int][]byte, len(gks)),
	}

	if rlk != nil {
		data, err := MarshalBinary(rlk)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize relinearization key: %v", err)
		}
		out.Relin = data
	}

	for rot, gk := range gks {
		data, err := MarshalBinary(gk)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize rotation key %d: %v", rot, err)
		}
		out.Galois[rot] = data
		out.Rotations = append(out.Rotations, rot)
	}
	sort.Ints(out.Rotations)

	return EncodeGob(out)
}

// DeserializeEvaluationKey decodes the envelope after checking the backend
func DeserializeEvaluationKey(backend string, data []byte) (*EvaluationKeyBytes, error) {
	var evk EvaluationKeyBytes
	if err := DecodeGob(data, &evk); err != nil {
		return nil, err
	}
	if evk.Backend != backend {
		return nil, fmt.Errorf("evaluation key for backend %q, expected %q", evk.Backend, backend)
	}
	return &evk, nil
}
