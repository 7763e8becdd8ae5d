// Package auth provides outbound request authentication strategies.
//
// A Strategy decorates request headers from a credential map. Every
// strategy validates the credential fields it needs and fails with a
// config error when they are missing; none silently no-op.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/feedlinehq/feedline/pkg/config"
	"github.com/feedlinehq/feedline/pkg/errors"
)

// Strategy decorates outbound request headers with authentication.
type Strategy interface {
	// Decorate returns a copy of headers with authentication applied.
	Decorate(headers map[string]string, credentials map[string]string) (map[string]string, error)
}

// ForType returns the strategy for the given auth type.
func ForType(t config.AuthType) (Strategy, error) {
	switch t {
	case config.AuthNone, "":
		return None{}, nil
	case config.AuthAPIKey:
		return APIKey{}, nil
	case config.AuthBearer:
		return Bearer{}, nil
	case config.AuthHMAC:
		return HMAC{}, nil
	case config.AuthBasic:
		return Basic{}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown auth type %q", t)
	}
}

// copyHeaders clones the header map so strategies never mutate the
// caller's copy.
func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	return out
}

func requireCredential(credentials map[string]string, key string) (string, error) {
	v, ok := credentials[key]
	if !ok || v == "" {
		return "", errors.Newf(errors.ErrorTypeConfig, "missing credential %q", key)
	}
	return v, nil
}

// None applies no authentication.
type None struct{}

// Decorate returns the headers unchanged.
func (None) Decorate(headers map[string]string, _ map[string]string) (map[string]string, error) {
	return copyHeaders(headers), nil
}

// APIKey sends a static key in a configurable header.
// Credentials: api_key (required), header_name (optional, default X-API-Key).
type APIKey struct{}

// Decorate adds the API key header.
func (APIKey) Decorate(headers map[string]string, credentials map[string]string) (map[string]string, error) {
	key, err := requireCredential(credentials, "api_key")
	if err != nil {
		return nil, err
	}

	name := credentials["header_name"]
	if name == "" {
		name = "X-API-Key"
	}

	out := copyHeaders(headers)
	out[name] = key
	return out, nil
}

// Bearer sends an OAuth-style bearer token.
// Credentials: token (required).
type Bearer struct{}

// Decorate adds the Authorization bearer header.
func (Bearer) Decorate(headers map[string]string, credentials map[string]string) (map[string]string, error) {
	token, err := requireCredential(credentials, "token")
	if err != nil {
		return nil, err
	}

	out := copyHeaders(headers)
	out["Authorization"] = "Bearer " + token
	return out, nil
}

// Basic sends RFC 7617 basic credentials.
// Credentials: username and password (both required).
type Basic struct{}

// Decorate adds the Authorization basic header.
func (Basic) Decorate(headers map[string]string, credentials map[string]string) (map[string]string, error) {
	user, err := requireCredential(credentials, "username")
	if err != nil {
		return nil, err
	}
	pass, err := requireCredential(credentials, "password")
	if err != nil {
		return nil, err
	}

	out := copyHeaders(headers)
	out["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	return out, nil
}

// HMAC signs requests with HMAC-SHA256 for providers that require
// request signing. Credentials: api_key and api_secret (both required).
type HMAC struct{}

// Decorate adds the key, timestamp and signature headers. The signed
// message covers method, path, timestamp and body so a replayed request
// with any of them altered fails verification.
func (HMAC) Decorate(headers map[string]string, credentials map[string]string) (map[string]string, error) {
	key, err := requireCredential(credentials, "api_key")
	if err != nil {
		return nil, err
	}
	secret, err := requireCredential(credentials, "api_secret")
	if err != nil {
		return nil, err
	}

	method := credentials["method"]
	path := credentials["path"]
	body := credentials["body"]
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	out := copyHeaders(headers)
	out["X-API-Key"] = key
	out["X-Timestamp"] = ts
	out["X-Signature"] = Sign(method+path+ts+body, secret)
	return out, nil
}

// Sign computes the hex HMAC-SHA256 digest of message under secret.
func Sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest builds the canonical signing string for a request and
// returns its digest. Exposed for providers that carry the signature as
// a query parameter rather than a header.
func SignRequest(method, path, body, secret string, ts time.Time) string {
	return Sign(method+path+strconv.FormatInt(ts.UnixMilli(), 10)+body, secret)
}
