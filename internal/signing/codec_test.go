package signing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalDeterminism(t *testing.T) {
	p := Payload{
		LicenseKey: "KG-1234-5678-ABCD",
		BindTarget: "machine-01.example.com",
		Timestamp:  1735689600,
		Nonce:      "3f8a1c9e2b4d6071",
	}

	first := p.Canonical()
	second := p.Canonical()
	assert.Equal(t, first, second)
	assert.Equal(t,
		"bind_target=machine-01.example.com&license_key=KG-1234-5678-ABCD&nonce=3f8a1c9e2b4d6071&timestamp=1735689600",
		first)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	p := Payload{
		LicenseKey: "KG-1234-5678-ABCD",
		BindTarget: "device-fp-01",
		Timestamp:  1735689600,
		Nonce:      "nonce-a",
	}

	sig := Sign(p.Canonical(), "app-secret")
	assert.Len(t, sig, 64, "hex-encoded SHA-256")
	assert.True(t, Verify(p.Canonical(), sig, "app-secret"))
	assert.False(t, Verify(p.Canonical(), sig, "other-secret"))
}

// Changing any single payload field must invalidate an existing signature.
func TestFieldChangeInvalidatesSignature(t *testing.T) {
	base := Payload{
		LicenseKey: "KG-1234-5678-ABCD",
		BindTarget: "device-fp-01",
		Timestamp:  1735689600,
		Nonce:      "nonce-a",
	}
	sig := Sign(base.Canonical(), "app-secret")

	tests := []struct {
		name   string
		mutate func(Payload) Payload
	}{
		{"license key", func(p Payload) Payload { p.LicenseKey = "KG-1234-5678-ABCE"; return p }},
		{"bind target", func(p Payload) Payload { p.BindTarget = "device-fp-02"; return p }},
		{"timestamp", func(p Payload) Payload { p.Timestamp++; return p }},
		{"nonce", func(p Payload) Payload { p.Nonce = "nonce-b"; return p }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(base)
			assert.False(t, Verify(mutated.Canonical(), sig, "app-secret"))
		})
	}
}

// Fields must not be able to bleed into one another in the canonical string.
func TestCanonicalFieldSeparation(t *testing.T) {
	a := Payload{LicenseKey: "AB", BindTarget: "x", Timestamp: 1, Nonce: "n"}
	b := Payload{LicenseKey: "A", BindTarget: "Bx", Timestamp: 1, Nonce: "n"}
	assert.NotEqual(t, a.Canonical(), b.Canonical())
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	p := Payload{LicenseKey: "k", BindTarget: "b", Timestamp: 1, Nonce: "n"}
	assert.False(t, Verify(p.Canonical(), "not-hex!", "secret"))
	assert.False(t, Verify(p.Canonical(), "", "secret"))
	assert.False(t, Verify(p.Canonical(), strings.Repeat("0", 64), "secret"))
}

func TestResponseCanonical(t *testing.T) {
	p := ResponsePayload{Valid: false, Status: "REVOKED", ExpiresAt: 0, ServerTime: 1735689600}
	assert.Equal(t, "expires_at=0&server_time=1735689600&status=REVOKED&valid=false", p.Canonical())
}

func TestCodecPerAppSecrets(t *testing.T) {
	ctx := context.Background()
	secrets := NewStaticSecrets(map[string]string{
		"app-a": "secret-a",
		"app-b": "secret-b",
	})
	codec := NewCodec(secrets)

	p := Payload{LicenseKey: "k", BindTarget: "b", Timestamp: 10, Nonce: "n"}

	sigA, err := codec.SignRequest(ctx, "app-a", p)
	require.NoError(t, err)

	okA, err := codec.VerifyRequest(ctx, "app-a", p, sigA)
	require.NoError(t, err)
	assert.True(t, okA)

	// A signature from one app's secret never validates under another's.
	okB, err := codec.VerifyRequest(ctx, "app-b", p, sigA)
	require.NoError(t, err)
	assert.False(t, okB)

	_, err = codec.VerifyRequest(ctx, "app-unknown", p, sigA)
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestCodecSignResponse(t *testing.T) {
	ctx := context.Background()
	codec := NewCodec(NewStaticSecrets(map[string]string{"app-a": "secret-a"}))

	rp := ResponsePayload{Valid: true, Status: "ACTIVE", ExpiresAt: 1767225600, ServerTime: 1735689600}
	sig, err := codec.SignResponse(ctx, "app-a", rp)
	require.NoError(t, err)
	assert.True(t, Verify(rp.Canonical(), sig, "secret-a"))
}
