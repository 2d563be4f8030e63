package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Farx1/SA-FHE/pkg/ensemble"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/fhe/keyring"
	"github.com/Farx1/SA-FHE/pkg/quantize"
	"github.com/Farx1/SA-FHE/pkg/serialization"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/rpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type State int

const (
	Idle State = iota
	KeysReady
	Quantized
	Encrypted
	Sent
	AwaitingResult
	Decrypted
	Done
	Failed
)

var stateNames = [...]string{
	Idle:           "idle",
	KeysReady:      "keys ready",
	Quantized:      "quantized",
	Encrypted:      "encrypted",
	Sent:           "sent",
	AwaitingResult: "awaiting result",
	Decrypted:      "decrypted",
	Done:           "done",
	Failed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) terminal() bool { return s == Done || s == Failed }

var ErrIllegalTransition = errors.New("illegal session transition")

// Model is the client's view of the served circuit, taken from the
// server manifest.
type Model struct {
	Scheme      *quantize.Scheme
	SchemeID    string
	CircuitID   string
	NumFeatures int
	Bits        int
	Classes     int
	LeafScale   int64
	Labels      []string
	Objective   ensemble.Objective
	Rotations   []int
}

// ModelFromManifest decodes the manifest's scheme and checks it against the
// advertised scheme ID.
func ModelFromManifest(m *rpc.Manifest) (*Model, error) {
	const op = "client.Manifest"
	s := new(quantize.Scheme)
	if err := json.Unmarshal(m.Scheme, s); err != nil {
		return nil, fmt.Errorf("failed to decode scheme: %w", err)
	}
	if s.ID() != m.SchemeID {
		return nil, fault.Errorf(fault.SchemeMismatch, op, "manifest scheme digests to %s, advertised %s", s.ID(), m.SchemeID)
	}
	if s.Dim() != m.NumFeatures || s.Bits() != m.Bits {
		return nil, fault.Errorf(fault.SchemeMismatch, op, "scheme %dx%d bits does not match circuit %dx%d bits",
			s.Dim(), s.Bits(), m.NumFeatures, m.Bits)
	}
	if m.LeafScale <= 0 || m.Classes < 1 {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "leaf scale %d, %d classes", m.LeafScale, m.Classes)
	}
	return &Model{
		Scheme:      s,
		SchemeID:    m.SchemeID,
		CircuitID:   m.CircuitID,
		NumFeatures: m.NumFeatures,
		Bits:        m.Bits,
		Classes:     m.Classes,
		LeafScale:   m.LeafScale,
		Labels:      m.Labels,
		Objective:   m.Objective,
		Rotations:   m.Rotations,
	}, nil
}

// Session carries one prediction from a cleartext vector to a decrypted
// label. It is not safe for concurrent use. Once Done or Failed the
// session's secret key has been zeroed.
type Session struct {
	id      string
	backend keyring.Backend
	model   *Model

	state  State
	reason error

	keys     *keyring.KeyPair
	ownsKeys bool
	q        quantize.Vector
	inputs   []fhe.Ciphertext
	result   *Result
}

func NewSession(id string, backend keyring.Backend, model *Model) *Session {
	return &Session{id: id, backend: backend, model: model}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return s.state }

// Reason is the error that failed the session.
func (s *Session) Reason() error { return s.reason }

func (s *Session) Result() *Result { return s.result }

func (s *Session) advance(from, to State) error {
	if s.state != from {
		err := fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, to)
		s.Fail(err)
		return err
	}
	s.state = to
	return nil
}

// Fail moves a live session to Failed and zeroes its secret key. It
// returns err for convenience.
func (s *Session) Fail(err error) error {
	if s.state.terminal() {
		return err
	}
	s.state = Failed
	s.reason = err
	s.release()
	return err
}

func (s *Session) release() {
	if s.ownsKeys {
		s.keys.Destroy()
	}
	s.inputs = nil
	s.q = nil
}

// GenerateKeys creates a key pair owned and destroyed by the session.
func (s *Session) GenerateKeys() error {
	if err := s.advance(Idle, KeysReady); err != nil {
		return err
	}
	keys, err := s.backend.GenerateKeys(keyring.Options{Rotations: s.model.Rotations})
	if err != nil {
		return s.Fail(fmt.Errorf("failed to generate keys: %w", err))
	}
	s.keys, s.ownsKeys = keys, true
	return nil
}

// UseKeys adopts keys the caller keeps ownership of.
func (s *Session) UseKeys(keys *keyring.KeyPair) error {
	if err := s.advance(Idle, KeysReady); err != nil {
		return err
	}
	s.keys, s.ownsKeys = keys, false
	return nil
}

func (s *Session) Quantize(v []float64) error {
	if err := s.advance(KeysReady, Quantized); err != nil {
		return err
	}
	q, err := quantize.Quantize(v, s.model.Scheme)
	if err != nil {
		return s.Fail(err)
	}
	s.q = q
	return nil
}

// Encrypt packs the quantized vector into one ciphertext.
func (s *Session) Encrypt() error {
	if err := s.advance(Quantized, Encrypted); err != nil {
		return err
	}
	enc, err := s.backend.NewEncryptor(s.keys.Public)
	if err != nil {
		return s.Fail(err)
	}
	ct, err := enc.Encrypt(s.q, s.model.Bits)
	if err != nil {
		return s.Fail(fmt.Errorf("failed to encrypt input: %w", err))
	}
	s.inputs = []fhe.Ciphertext{ct}
	return nil
}

// Request serializes the encrypted input and the evaluation key.
func (s *Session) Request(clientID string) (*rpc.PredictRequest, error) {
	if err := s.advance(Encrypted, Sent); err != nil {
		return nil, err
	}
	start := time.Now()
	inputs := make([][]byte, len(s.inputs))
	for i, ct := range s.inputs {
		data, err := s.backend.MarshalCiphertext(ct)
		if err != nil {
			return nil, s.Fail(fmt.Errorf("failed to serialize input: %w", err))
		}
		inputs[i] = data
	}
	evk, err := s.backend.MarshalEvaluationKey(s.keys.Evaluation)
	if err != nil {
		return nil, s.Fail(fmt.Errorf("failed to serialize evaluation key: %w", err))
	}
	return &rpc.PredictRequest{
		RequestID:              s.id,
		ClientID:               clientID,
		SchemeID:               s.model.SchemeID,
		CircuitID:              s.model.CircuitID,
		Inputs:                 inputs,
		EvaluationKey:          evk,
		SerializationStartTime: timestamppb.New(start),
	}, nil
}

// Await marks the request as in flight.
func (s *Session) Await() error {
	return s.advance(Sent, AwaitingResult)
}

// Decrypt checks the response belongs to this session's scheme and
// circuit, decrypts every class score and interprets it.
func (s *Session) Decrypt(resp *rpc.PredictResponse) (*Result, error) {
	const op = "client.Decrypt"
	if err := s.advance(AwaitingResult, Decrypted); err != nil {
		return nil, err
	}
	if resp.RequestID != s.id {
		return nil, s.Fail(fault.Errorf(fault.CircuitMismatch, op, "response for request %s", resp.RequestID))
	}
	env, err := serialization.DeserializePrediction(resp.Prediction)
	if err != nil {
		return nil, s.Fail(fmt.Errorf("failed to deserialize prediction: %w", err))
	}
	if env.SchemeID != s.model.SchemeID {
		return nil, s.Fail(fault.Errorf(fault.SchemeMismatch, op, "prediction under scheme %s, expected %s", env.SchemeID, s.model.SchemeID))
	}
	if env.CircuitID != s.model.CircuitID || len(env.Classes) != s.model.Classes {
		return nil, s.Fail(fault.Errorf(fault.CircuitMismatch, op, "prediction from circuit %s with %d classes", env.CircuitID, len(env.Classes)))
	}

	dec, err := s.backend.NewDecryptor(s.keys.Secret)
	if err != nil {
		return nil, s.Fail(err)
	}
	scores := make([]float64, len(env.Classes))
	for class, data := range env.Classes {
		ct, err := s.backend.UnmarshalCiphertext(data)
		if err != nil {
			return nil, s.Fail(fmt.Errorf("failed to deserialize class %d: %w", class, err))
		}
		slots, err := dec.Decrypt(ct)
		if err != nil {
			return nil, s.Fail(err)
		}
		scores[class] = float64(slots[0]) / float64(s.model.LeafScale)
	}
	res, err := Interpret(scores, s.model.Objective, s.model.Labels)
	if err != nil {
		return nil, s.Fail(err)
	}
	res.RequestID = s.id
	res.ProcessingTime = resp.ProcessingTime.AsDuration()
	res.QueueTime = resp.QueueTime.AsDuration()
	s.result = res
	return res, nil
}

// Finish completes the session and zeroes its secret key.
func (s *Session) Finish() (*Result, error) {
	if err := s.advance(Decrypted, Done); err != nil {
		return nil, err
	}
	s.release()
	return s.result, nil
}
