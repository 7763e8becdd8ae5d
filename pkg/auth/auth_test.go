package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedlinehq/feedline/pkg/config"
	"github.com/feedlinehq/feedline/pkg/errors"
)

func TestForType(t *testing.T) {
	tests := []struct {
		name     string
		authType config.AuthType
		want     Strategy
		wantErr  bool
	}{
		{name: "none", authType: config.AuthNone, want: None{}},
		{name: "empty defaults to none", authType: "", want: None{}},
		{name: "api key", authType: config.AuthAPIKey, want: APIKey{}},
		{name: "bearer", authType: config.AuthBearer, want: Bearer{}},
		{name: "hmac", authType: config.AuthHMAC, want: HMAC{}},
		{name: "basic", authType: config.AuthBasic, want: Basic{}},
		{name: "unknown", authType: "oauth3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ForType(tt.authType)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNoneLeavesHeadersUntouched(t *testing.T) {
	headers := map[string]string{"Accept": "application/json"}

	out, err := None{}.Decorate(headers, nil)
	require.NoError(t, err)
	assert.Equal(t, headers, out)

	// The returned map is a copy.
	out["X-Extra"] = "value"
	assert.NotContains(t, headers, "X-Extra")
}

func TestAPIKey(t *testing.T) {
	t.Run("default header", func(t *testing.T) {
		out, err := APIKey{}.Decorate(nil, map[string]string{"api_key": "secret"})
		require.NoError(t, err)
		assert.Equal(t, "secret", out["X-API-Key"])
	})

	t.Run("custom header", func(t *testing.T) {
		out, err := APIKey{}.Decorate(nil, map[string]string{
			"api_key":     "secret",
			"header_name": "X-Custom-Key",
		})
		require.NoError(t, err)
		assert.Equal(t, "secret", out["X-Custom-Key"])
		assert.NotContains(t, out, "X-API-Key")
	})

	t.Run("missing key fails", func(t *testing.T) {
		_, err := APIKey{}.Decorate(nil, map[string]string{})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})
}

func TestBearer(t *testing.T) {
	out, err := Bearer{}.Decorate(nil, map[string]string{"token": "tok123"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", out["Authorization"])

	_, err = Bearer{}.Decorate(nil, map[string]string{"token": ""})
	require.Error(t, err)
}

func TestBasic(t *testing.T) {
	out, err := Basic{}.Decorate(nil, map[string]string{
		"username": "alice",
		"password": "pw",
	})
	require.NoError(t, err)

	expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:pw"))
	assert.Equal(t, expected, out["Authorization"])

	_, err = Basic{}.Decorate(nil, map[string]string{"username": "alice"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestHMAC(t *testing.T) {
	out, err := HMAC{}.Decorate(nil, map[string]string{
		"api_key":    "key",
		"api_secret": "secret",
		"method":     "GET",
		"path":       "/v1/ticker",
	})
	require.NoError(t, err)

	assert.Equal(t, "key", out["X-API-Key"])
	require.NotEmpty(t, out["X-Timestamp"])
	require.NotEmpty(t, out["X-Signature"])

	// The signature must be reproducible from the same inputs.
	expected := Sign("GET/v1/ticker"+out["X-Timestamp"], "secret")
	assert.Equal(t, expected, out["X-Signature"])
}

func TestHMACMissingSecret(t *testing.T) {
	_, err := HMAC{}.Decorate(nil, map[string]string{"api_key": "key"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestSignIsDeterministic(t *testing.T) {
	a := Sign("message", "secret")
	b := Sign("message", "secret")
	c := Sign("message", "other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestSignRequest(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	got := SignRequest("POST", "/orders", `{"qty":1}`, "secret", ts)
	want := Sign("POST/orders1700000000000"+`{"qty":1}`, "secret")
	assert.Equal(t, want, got)
}
