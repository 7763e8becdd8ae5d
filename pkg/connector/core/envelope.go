package core

import (
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// Envelope is the normalized message passed to connector callbacks.
// Data always carries the full decoded payload; Provider, Instrument and
// Price are best-effort extractions for the common ticker dialects.
type Envelope struct {
	ConnectorID string                 `json:"connector_id"`
	Provider    string                 `json:"provider"`
	Instrument  string                 `json:"instrument"`
	Price       float64                `json:"price"`
	Data        map[string]interface{} `json:"data"`
	MessageType string                 `json:"message_type"`
	Timestamp   time.Time              `json:"timestamp"`
}

// ParseEnvelope decodes a raw payload into an Envelope, detecting the
// source dialect from the keys present. Unknown shapes still produce an
// envelope with the decoded payload attached; only undecodable payloads
// return an error.
func ParseEnvelope(connectorID string, raw []byte) (*Envelope, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		// Non-object payloads (arrays, scalars) are wrapped rather
		// than rejected; the delta engine handles list shapes.
		var any interface{}
		if err2 := json.Unmarshal(raw, &any); err2 != nil {
			return nil, err
		}
		data = map[string]interface{}{"payload": any}
	}

	env := &Envelope{
		ConnectorID: connectorID,
		Provider:    "generic",
		MessageType: "ticker",
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}

	switch {
	case hasKeys(data, "s", "p"):
		// Binance stream dialect: single-letter keys.
		env.Provider = "binance"
		env.Instrument = asString(data["s"])
		env.Price = asFloat(data["p"])
		if e, ok := data["e"]; ok {
			env.MessageType = asString(e)
		}

	case hasKeys(data, "product_id", "price"):
		// Coinbase dialect.
		env.Provider = "coinbase"
		env.Instrument = asString(data["product_id"])
		env.Price = asFloat(data["price"])
		if t, ok := data["type"]; ok {
			env.MessageType = asString(t)
		}

	case hasKeys(data, "symbol", "price"):
		env.Instrument = asString(data["symbol"])
		env.Price = asFloat(data["price"])

	case hasKeys(data, "instrument", "last"):
		env.Instrument = asString(data["instrument"])
		env.Price = asFloat(data["last"])
	}

	return env, nil
}

func hasKeys(m map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func asFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case string:
		parsed, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0
		}
		return parsed
	case int:
		return float64(f)
	default:
		return 0
	}
}
