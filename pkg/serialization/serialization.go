package serialization

import (
	"bytes"
	"encoding"
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// CiphertextBytes represents the serialized form of a backend ciphertext
type CiphertextBytes struct {
	Backend  string
	Slots    int
	Bits     int
	Noise    float64
	Constant bool
	Value    int64  // plaintext value of a trivial constant
	Data     []byte // backend encoding of the ciphertext body
}

// PredictionBytes represents the serialized form of an encrypted prediction
type PredictionBytes struct {
	SchemeID  string
	CircuitID string
	Classes   [][]byte // one serialized CiphertextBytes per output class
}

// EncodeGob gob-encodes v into a fresh buffer
func EncodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode %T: %v", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeGob decodes data into v, which must be a pointer
func DecodeGob(data []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode %T: %v", v, err)
	}
	return nil
}

// SerializeCiphertext wraps a ciphertext body with its metadata
func SerializeCiphertext(ct CiphertextBytes) ([]byte, error) {
	return EncodeGob(ct)
}

// DeserializeCiphertext reverses SerializeCiphertext
func DeserializeCiphertext(data []byte) (CiphertextBytes, error) {
	var ct CiphertextBytes
	if err := DecodeGob(data, &ct); err != nil {
		return ct, err
	}
	return ct, nil
}

func SerializePrediction(p PredictionBytes) ([]byte, error) {
	return EncodeGob(p)
}

func DeserializePrediction(data []byte) (PredictionBytes, error) {
	var p PredictionBytes
	err := DecodeGob(data, &p)
	return p, err
}

// MarshalBinary serializes any object implementing io.WriterTo or
// encoding.BinaryMarshaler.
func MarshalBinary(object any) ([]byte, error) {
	switch object := object.(type) {
	case encoding.BinaryMarshaler:
		data, err := object.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%T.MarshalBinary: %w", object, err)
		}
		return data, nil
	case io.WriterTo:
		var buf bytes.Buffer
		if _, err := object.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("%T.WriteTo: %w", object, err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%T does not implement io.WriterTo or encoding.BinaryMarshaler", object)
}

// UnmarshalBinary fills object from data.
func UnmarshalBinary(object encoding.BinaryUnmarshaler, data []byte) error {
	if err := object.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("%T.UnmarshalBinary: %w", object, err)
	}
	return nil
}

// SaveFile writes a serializable object to path.
func SaveFile(object any, path string) error {
	data, err := MarshalBinary(object)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("os.WriteFile(%s): %w", path, err)
	}
	return nil
}

// LoadFile reads path into object.
func LoadFile(object encoding.BinaryUnmarshaler, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("os.ReadFile(%s): %w", path, err)
	}
	return UnmarshalBinary(object, data)
}
