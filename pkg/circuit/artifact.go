package circuit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/quantize"
	"github.com/zeebo/blake3"
)

// FormatVersion is bumped whenever the artifact layout changes.
const FormatVersion = 1

// Artifact bundles a circuit with the scheme its thresholds were quantized
// under. It is the unit the model owner hands to the server and clients.
type Artifact struct {
	FormatVersion int              `json:"format_version"`
	Scheme        *quantize.Scheme `json:"scheme"`
	Circuit       *Circuit         `json:"circuit"`
	Digest        string           `json:"digest"`
}

func NewArtifact(s *quantize.Scheme, c *Circuit) (*Artifact, error) {
	if c.SchemeID != s.ID() {
		return nil, fault.Errorf(fault.SchemeMismatch, "circuit.NewArtifact",
			"circuit built for scheme %s, got %s", c.SchemeID, s.ID())
	}
	a := &Artifact{FormatVersion: FormatVersion, Scheme: s, Circuit: c}
	digest, err := a.digest()
	if err != nil {
		return nil, err
	}
	a.Digest = digest
	return a, nil
}

func (a *Artifact) digest() (string, error) {
	body, err := json.Marshal(struct {
		FormatVersion int              `json:"format_version"`
		Scheme        *quantize.Scheme `json:"scheme"`
		Circuit       *Circuit         `json:"circuit"`
	}{a.FormatVersion, a.Scheme, a.Circuit})
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func SaveArtifact(path string, a *Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("os.WriteFile(%s): %w", path, err)
	}
	return nil
}

// LoadArtifact rejects unknown versions, tampered content and circuits
// built for another scheme.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile(%s): %w", path, err)
	}
	return ParseArtifact(data)
}

func ParseArtifact(data []byte) (*Artifact, error) {
	const op = "circuit.LoadArtifact"
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	if a.FormatVersion != FormatVersion {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "unsupported artifact version %d", a.FormatVersion)
	}
	if a.Scheme == nil || a.Circuit == nil {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "artifact lacks scheme or circuit")
	}
	digest, err := a.digest()
	if err != nil {
		return nil, err
	}
	if digest != a.Digest {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "digest mismatch: stored %.16s, computed %.16s", a.Digest, digest)
	}
	if err := a.Circuit.Validate(); err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	if a.Circuit.SchemeID != a.Scheme.ID() {
		return nil, fault.Errorf(fault.SchemeMismatch, op,
			"circuit built for scheme %s, artifact carries %s", a.Circuit.SchemeID, a.Scheme.ID())
	}
	if a.Circuit.NumFeatures != a.Scheme.Dim() || a.Circuit.Bits != a.Scheme.Bits() {
		return nil, fault.Errorf(fault.SchemeMismatch, op, "circuit shape disagrees with scheme %s", a.Scheme.ID())
	}
	a.Circuit.seal()
	return &a, nil
}
