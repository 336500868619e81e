// Package attestation decodes device-attest-01 attestation objects and
// dispatches them to format-specific verifiers. The object layout is
// the WebAuthn attestation object: a CBOR map with "fmt", "attStmt"
// and "authData" members.
package attestation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "attestation"))
}

// Object is a decoded attestation object.
type Object struct {
	Format       string          `cbor:"fmt"`
	AttStatement cbor.RawMessage `cbor:"attStmt"`
	AuthData     []byte          `cbor:"authData"`
}

// envelope is the challenge-response payload wrapping the attestation
// object.
type envelope struct {
	AttObj string `json:"attObj"`
}

// DecodePayload unpacks a device-attest-01 challenge payload: a
// base64url JSON envelope whose attObj member is the base64url CBOR
// attestation object.
func DecodePayload(payload string) (*Object, error) {
	if payload == "" {
		return nil, fmt.Errorf("attestation: empty payload")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("attestation: failed to decode payload: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("attestation: failed to parse payload envelope: %w", err)
	}
	if env.AttObj == "" {
		return nil, fmt.Errorf("attestation: payload envelope missing attObj")
	}
	objBytes, err := base64.RawURLEncoding.DecodeString(env.AttObj)
	if err != nil {
		return nil, fmt.Errorf("attestation: failed to decode attObj: %w", err)
	}
	var obj Object
	if err := cbor.Unmarshal(objBytes, &obj); err != nil {
		return nil, fmt.Errorf("attestation: failed to decode attestation object: %w", err)
	}
	if obj.Format == "" {
		return nil, fmt.Errorf("attestation: attestation object missing fmt")
	}
	return &obj, nil
}

// Request carries the challenge context a verifier adjudicates against.
type Request struct {
	Identifier model.Identifier
	// KeyAuthDigest is the SHA-256 of the challenge key authorization;
	// platform statements bind their freshness proof to it.
	KeyAuthDigest []byte
	AccountID     string
}

// Verifier adjudicates one attestation statement format. A nil error
// means the statement proves possession of the identifier by a genuine
// device of that platform.
type Verifier interface {
	// Format returns the attestation statement format this verifier
	// handles ("apple", "tpm", "packed", ...).
	Format() string
	Verify(ctx context.Context, obj *Object, req *Request) error
}

// Registry maps attestation statement formats to verifiers. Formats
// with no registered verifier fail validation.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewRegistry returns an empty verifier registry.
func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[string]Verifier)}
}

// Register adds a verifier, replacing any previous one for its format.
func (r *Registry) Register(v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[v.Format()] = v
	logger.Info("attestation verifier registered", zap.String("format", v.Format()))
}

// Verify decodes nothing; it routes an already-decoded object to the
// verifier for its format.
func (r *Registry) Verify(ctx context.Context, obj *Object, req *Request) error {
	r.mu.RLock()
	v, ok := r.verifiers[obj.Format]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("attestation: unsupported attestation format %q", obj.Format)
	}
	return v.Verify(ctx, obj, req)
}
