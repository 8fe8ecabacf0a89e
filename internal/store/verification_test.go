package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSatisfyRequiresAtLeastOneConstraintSet(t *testing.T) {
	ok, reason := Satisfy(Config{}, nil)
	assert.False(t, ok)
	assert.Equal(t, ErrNoConstraints.Error(), reason)
}

func TestSatisfyAllOfKeyless(t *testing.T) {
	cfg := Config{
		AllOf: []Signature{
			{Issuer: "https://github.com/login/oauth", Subject: Subject{Equal: "ci@example.com"}},
		},
	}

	ok, _ := Satisfy(cfg, []ObservedSignature{
		{Issuer: "https://github.com/login/oauth", Subject: "ci@example.com"},
	})
	assert.True(t, ok)

	ok, reason := Satisfy(cfg, []ObservedSignature{
		{Issuer: "https://github.com/login/oauth", Subject: "someone-else@example.com"},
	})
	assert.False(t, ok)
	assert.Contains(t, reason, "missing signature matching")
}

func TestSatisfyAnyOfQuorum(t *testing.T) {
	cfg := Config{
		AnyOf: &AnyOf{
			MinimumMatches: 2,
			Signatures: []Signature{
				{Issuer: "a", Subject: Subject{Equal: "x"}},
				{Issuer: "b", Subject: Subject{Equal: "y"}},
				{Issuer: "c", Subject: Subject{Equal: "z"}},
			},
		},
	}

	ok, reason := Satisfy(cfg, []ObservedSignature{
		{Issuer: "a", Subject: "x"},
	})
	assert.False(t, ok)
	assert.Contains(t, reason, "needed 2, got 1")

	ok, _ = Satisfy(cfg, []ObservedSignature{
		{Issuer: "a", Subject: "x"},
		{Issuer: "b", Subject: "y"},
	})
	assert.True(t, ok)
}

func TestSubjectURLPrefix(t *testing.T) {
	s := Subject{URLPrefix: "https://github.com/kubewarden/"}
	assert.True(t, s.Matches("https://github.com/kubewarden/policy-server"))
	assert.False(t, s.Matches("https://github.com/other-org/policy-server"))
}

func TestSignatureAnnotationsMustAllMatch(t *testing.T) {
	sig := Signature{
		Issuer:      "issuer",
		Subject:     Subject{Equal: "subject"},
		Annotations: map[string]string{"env": "prod"},
	}
	assert.False(t, sig.satisfiedBy(ObservedSignature{Issuer: "issuer", Subject: "subject"}))
	assert.True(t, sig.satisfiedBy(ObservedSignature{
		Issuer: "issuer", Subject: "subject",
		Annotations: map[string]string{"env": "prod"},
	}))
}
