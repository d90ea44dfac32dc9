package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/registry"
	"keygate/internal/replay"
	"keygate/internal/signing"
	"keygate/internal/verify"
	"keygate/pkg/contracts/domain"
)

const (
	testAppID  = "app-a"
	testSecret = "test-secret"
	testKey    = "KG-AAAAA-BBBBB-CCCCC-DDDDD"
)

type verifyFixture struct {
	handler *VerifyHandler
	store   *registry.MemoryStore
	codec   *signing.Codec
	now     time.Time
}

func newVerifyFixture(t *testing.T) *verifyFixture {
	t.Helper()
	now := time.Unix(1735689600, 0)

	store := registry.NewMemoryStore()
	store.RegisterApp(testAppID, testSecret)
	reg := registry.New(store, slog.Default(), registry.WithClock(func() time.Time { return now }))
	codec := signing.NewCodec(store)
	guard := replay.NewGuard(replay.NewMemoryNonceStore(300*time.Second), 300*time.Second)
	svc := verify.NewService(reg, codec, guard, slog.Default(),
		verify.WithClock(func() time.Time { return now }))

	return &verifyFixture{
		handler: NewVerifyHandler(svc, slog.Default()),
		store:   store,
		codec:   codec,
		now:     now,
	}
}

func (f *verifyFixture) seedActive(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Insert(context.Background(), &registry.License{
		ID: "id-1", Key: testKey, AppID: testAppID,
		Status: domain.StatusActive, IssuedAt: f.now.Add(-time.Hour),
	}))
}

func (f *verifyFixture) signedBody(t *testing.T, nonce string) []byte {
	t.Helper()
	req := domain.VerifyRequest{
		LicenseKey: testKey,
		BindTarget: "device-1",
		Timestamp:  f.now.Unix(),
		Nonce:      nonce,
	}
	sign, err := f.codec.SignRequest(context.Background(), testAppID, signing.Payload{
		LicenseKey: req.LicenseKey,
		BindTarget: req.BindTarget,
		Timestamp:  req.Timestamp,
		Nonce:      req.Nonce,
	})
	require.NoError(t, err)
	req.Sign = sign

	body, err := json.Marshal(req)
	require.NoError(t, err)
	return body
}

func (f *verifyFixture) post(body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeVerdict(t *testing.T, rec *httptest.ResponseRecorder) domain.VerifyResponse {
	t.Helper()
	var resp domain.VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestVerifyEndpointActive(t *testing.T) {
	f := newVerifyFixture(t)
	f.seedActive(t)

	rec := f.post(f.signedBody(t, "nonce-00000001"))

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeVerdict(t, rec)
	assert.True(t, resp.Valid)
	assert.Equal(t, domain.VerdictActive, resp.Status)
	assert.NotEmpty(t, resp.Signature)
	assert.Equal(t, f.now.Unix(), resp.ServerTime)
}

// Protocol rejections stay HTTP 200: the transport succeeded, the protocol
// said no.
func TestVerifyEndpointNegativeVerdictsAre200(t *testing.T) {
	f := newVerifyFixture(t)
	f.seedActive(t)

	// Consume the nonce, then replay it.
	rec := f.post(f.signedBody(t, "nonce-00000001"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(f.signedBody(t, "nonce-00000001"))
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeVerdict(t, rec)
	assert.False(t, resp.Valid)
	assert.Equal(t, domain.VerdictReplayed, resp.Status)
}

func TestVerifyEndpointInvalidPayload(t *testing.T) {
	f := newVerifyFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"license_key": `},
		{"missing fields", `{"license_key": "KG-SOMETHING"}`},
		{"bad signature format", `{"license_key":"KG-AAAAA-BBBBB-CCCCC-DDDDD","bind_target":"d","timestamp":1735689600,"nonce":"nonce-00000001","sign":"not-hex"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.post([]byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeVerdict(t, rec)
			assert.False(t, resp.Valid)
			assert.Equal(t, domain.VerdictInvalidPayload, resp.Status)
			assert.Empty(t, resp.Signature)
		})
	}
}

func TestVerifyEndpointNotFound(t *testing.T) {
	f := newVerifyFixture(t)

	body := strings.Replace(string(f.signedBody(t, "nonce-00000001")), testKey, "KG-EEEEE-FFFFF-GGGGG-HHHHH", 1)
	rec := f.post([]byte(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeVerdict(t, rec)
	assert.Equal(t, domain.VerdictNotFound, resp.Status)
	assert.Empty(t, resp.Signature)
}
