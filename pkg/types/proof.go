package types

import (
	"encoding/json"
	"fmt"
	"time"
)

type ProofKind string

const (
	ProofKindSimpleHash     ProofKind = "simple_hash"
	ProofKindTEEAttestation ProofKind = "tee_attestation"
	ProofKindZK             ProofKind = "zk_proof"
)

// Proof certifies one execution result. It is a closed set of variants;
// the orchestrator forwards it to settlement without inspecting it.
type Proof interface {
	Kind() ProofKind
	isProof()
}

type SimpleHash struct {
	Digest string `json:"digest"`
}

type TEEAttestation struct {
	EnclaveSignature string    `json:"enclave_signature"`
	PublicKey        string    `json:"public_key"`
	Platform         string    `json:"platform"`
	IssuedAt         time.Time `json:"issued_at"`
}

type ZKProof struct {
	Scheme      string `json:"scheme"`
	Curve       string `json:"curve"`
	ProofBytes  []byte `json:"proof_bytes"`
	PublicInput []byte `json:"public_input"`
}

func (SimpleHash) Kind() ProofKind     { return ProofKindSimpleHash }
func (TEEAttestation) Kind() ProofKind { return ProofKindTEEAttestation }
func (ZKProof) Kind() ProofKind        { return ProofKindZK }

func (SimpleHash) isProof()     {}
func (TEEAttestation) isProof() {}
func (ZKProof) isProof()        {}

type proofEnvelope struct {
	Kind ProofKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalProof encodes a proof with its kind tag.
func MarshalProof(p Proof) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s proof: %w", p.Kind(), err)
	}
	return json.Marshal(proofEnvelope{Kind: p.Kind(), Data: data})
}

// UnmarshalProof decodes the output of MarshalProof.
func UnmarshalProof(raw []byte) (Proof, error) {
	if string(raw) == "null" || len(raw) == 0 {
		return nil, nil
	}
	var env proofEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proof envelope: %w", err)
	}
	var (
		p   Proof
		err error
	)
	switch env.Kind {
	case ProofKindSimpleHash:
		var v SimpleHash
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ProofKindTEEAttestation:
		var v TEEAttestation
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ProofKindZK:
		var v ZKProof
		err = json.Unmarshal(env.Data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown proof kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s proof: %w", env.Kind, err)
	}
	return p, nil
}
