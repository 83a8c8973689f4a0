// Package audit produces tamper-evident audit records for ledger drift
// findings and auction settlement intents. Payloads are CBOR-encoded and
// signed as COSE_Sign1 envelopes with an Ed25519 key owned by the process,
// so an operator reviewing a drift report can verify it was emitted by this
// service and has not been edited since.
package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/leadauction/store"
)

// Record kinds written by this system.
const (
	KindDrift      = "ledger_drift"
	KindSettlement = "auction_settlement"
)

// Recorder signs and appends audit records.
type Recorder struct {
	signer    cose.Signer
	verifier  cose.Verifier
	publicKey ed25519.PublicKey
	store     store.AuditStore
	clock     func() time.Time
}

// NewRecorder creates a Recorder with a fresh Ed25519 key pair. The key is
// process-scoped: records are verifiable for the lifetime of the deployment
// via PublicKey, and long-term verification is handled by key escrow outside
// this package.
func NewRecorder(auditStore store.AuditStore) (*Recorder, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate audit key pair: %w", err)
	}
	return NewRecorderWithKey(auditStore, privateKey)
}

// NewRecorderWithKey creates a Recorder using an existing Ed25519 key.
func NewRecorderWithKey(auditStore store.AuditStore, privateKey ed25519.PrivateKey) (*Recorder, error) {
	signer, err := cose.NewSigner(cose.AlgorithmEdDSA, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create COSE signer: %w", err)
	}

	publicKey := privateKey.Public().(ed25519.PublicKey)
	verifier, err := cose.NewVerifier(cose.AlgorithmEdDSA, publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create COSE verifier: %w", err)
	}

	return &Recorder{
		signer:    signer,
		verifier:  verifier,
		publicKey: publicKey,
		store:     auditStore,
		clock:     time.Now,
	}, nil
}

// PublicKey returns the verification key for records signed by this Recorder.
func (r *Recorder) PublicKey() ed25519.PublicKey {
	return r.publicKey
}

// Append CBOR-encodes payload, signs it as COSE_Sign1, and appends it to the
// audit store under the given kind.
func (r *Recorder) Append(ctx context.Context, kind string, payload any) error {
	encoded, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}

	headers := cose.Headers{
		Protected: cose.ProtectedHeader{
			cose.HeaderLabelAlgorithm: cose.AlgorithmEdDSA,
		},
	}
	signed, err := cose.Sign1(rand.Reader, r.signer, headers, encoded, nil)
	if err != nil {
		return fmt.Errorf("failed to sign audit payload: %w", err)
	}

	record := store.AuditRecord{
		ID:        uuid.New(),
		Kind:      kind,
		Signed:    signed,
		CreatedAt: r.clock().UTC(),
	}
	if err := r.store.AppendAudit(ctx, record); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Verify checks a record's COSE_Sign1 signature and decodes its CBOR payload
// into out.
func (r *Recorder) Verify(record store.AuditRecord, out any) error {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(record.Signed); err != nil {
		return fmt.Errorf("failed to parse COSE envelope: %w", err)
	}
	if err := msg.Verify(nil, r.verifier); err != nil {
		return fmt.Errorf("audit signature verification failed: %w", err)
	}
	if err := cbor.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("failed to decode audit payload: %w", err)
	}
	return nil
}
