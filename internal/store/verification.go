package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/sigstore/sigstore/pkg/signature"
)

// Subject constrains the Sigstore certificate identity a signature must
// carry. Grounded on verify/mod.rs's Subject::Equal usage; UrlPrefix mirrors
// the same enum's wildcard-domain variant.
type Subject struct {
	Equal     string `json:"equal,omitempty"`
	URLPrefix string `json:"urlPrefix,omitempty"`
}

// Matches reports whether subject satisfies this constraint.
func (s Subject) Matches(subject string) bool {
	if s.Equal != "" {
		return s.Equal == subject
	}
	if s.URLPrefix != "" {
		return len(subject) >= len(s.URLPrefix) && subject[:len(s.URLPrefix)] == s.URLPrefix
	}
	return false
}

// Signature is one acceptable signature requirement: either a raw public key
// or a keyless (Fulcio/Rekor) issuer+subject pair. Grounded on
// Signature::PubKey and Signature::GenericIssuer in verify/mod.rs.
type Signature struct {
	// PubKey, when set, is a PEM-encoded ECDSA public key the image must be
	// signed with.
	PubKey string `json:"pubKey,omitempty"`
	// Issuer and Subject, when set, require a keyless signature whose
	// Fulcio certificate carries this OIDC issuer and identity.
	Issuer  string  `json:"issuer,omitempty"`
	Subject Subject `json:"subject,omitempty"`

	Annotations map[string]string `json:"annotations,omitempty"`
}

func (s Signature) isKeyless() bool {
	return s.PubKey == ""
}

// AnyOf is a quorum requirement: at least MinimumMatches of Signatures must
// be satisfied.
type AnyOf struct {
	MinimumMatches int         `json:"minimumMatches"`
	Signatures     []Signature `json:"signatures"`
}

// Config is the verification policy for one module reference: a pub-key
// and/or keyless requirement set. AllOf entries must every one be satisfied;
// AnyOf requires the configured quorum. At least one of the two must be set.
type Config struct {
	AllOf []Signature `json:"allOf,omitempty"`
	AnyOf *AnyOf      `json:"anyOf,omitempty"`
}

// ErrNoConstraints is returned when a Config has neither AllOf nor AnyOf set.
var ErrNoConstraints = fmt.Errorf("verification config must set allOf and/or anyOf")

// ObservedSignature is one signature layer recovered from the image's
// Sigstore bundle: either a verified-against-pubkey fact or a keyless
// identity, already validated against the Fulcio/Rekor trust root by the
// caller before this package ever sees it.
type ObservedSignature struct {
	PubKeyFingerprint string // sha256 of the verifying public key, if key-based
	Issuer            string
	Subject           string
	Annotations       map[string]string
}

// Fingerprint computes the identifier store.Satisfy matches observed
// signatures against; callers that verify a raw signature outside this
// package (e.g. the Sigstore host-capability handler) must tag the
// resulting ObservedSignature with Fingerprint(pem) of the key that
// verified it.
func Fingerprint(pemPubKey string) string {
	sum := sha256.Sum256([]byte(pemPubKey))
	return fmt.Sprintf("%x", sum)
}

func (s Signature) satisfiedBy(observed ObservedSignature) bool {
	for k, v := range s.Annotations {
		if observed.Annotations[k] != v {
			return false
		}
	}
	if s.isKeyless() {
		return s.Issuer == observed.Issuer && s.Subject.Matches(observed.Subject)
	}
	return Fingerprint(s.PubKey) == observed.PubKeyFingerprint
}

// Satisfy reports whether the given set of already-validated signatures
// satisfies cfg, returning a human-readable reason when it does not.
func Satisfy(cfg Config, observed []ObservedSignature) (bool, string) {
	if len(cfg.AllOf) == 0 && cfg.AnyOf == nil {
		return false, ErrNoConstraints.Error()
	}

	for _, required := range cfg.AllOf {
		if !anySatisfies(required, observed) {
			return false, fmt.Sprintf("image verification failed: missing signature matching %s", describe(required))
		}
	}

	if cfg.AnyOf != nil {
		matched := 0
		for _, required := range cfg.AnyOf.Signatures {
			if anySatisfies(required, observed) {
				matched++
			}
		}
		if matched < cfg.AnyOf.MinimumMatches {
			return false, fmt.Sprintf("image verification failed: minimum number of signatures not reached: needed %d, got %d", cfg.AnyOf.MinimumMatches, matched)
		}
	}

	return true, ""
}

func anySatisfies(required Signature, observed []ObservedSignature) bool {
	for _, o := range observed {
		if required.satisfiedBy(o) {
			return true
		}
	}
	return false
}

func describe(s Signature) string {
	if s.isKeyless() {
		return fmt.Sprintf("issuer=%s subject=%v", s.Issuer, s.Subject)
	}
	return "pubKey"
}

// PubKeyVerifier wraps sigstore's signature.Verifier to check a detached
// signature against a configured public key before Satisfy is consulted,
// rather than re-implementing ECDSA verification by hand.
type PubKeyVerifier struct {
	verifier signature.Verifier
}

// NewPubKeyVerifier builds a PubKeyVerifier from an already-loaded
// signature.Verifier (sigstore's signature.LoadVerifier handles the PEM
// parsing for the supported key types).
func NewPubKeyVerifier(v signature.Verifier) *PubKeyVerifier {
	return &PubKeyVerifier{verifier: v}
}

// Verify checks sig against payload, returning nil only if the signature is
// valid under the wrapped verifier's key.
func (p *PubKeyVerifier) Verify(sig, payload []byte) error {
	return p.verifier.VerifySignature(bytes.NewReader(sig), bytes.NewReader(payload))
}

// MarshalConfig / UnmarshalConfig round-trip Config through JSON, the form a
// verification config takes once sigs.k8s.io/yaml has parsed the separate
// --verification-path file (YAML first, then re-marshaled to JSON).
func MarshalConfig(cfg Config) ([]byte, error) {
	return json.Marshal(cfg)
}

func UnmarshalConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid verification config: %w", err)
	}
	return cfg, nil
}
