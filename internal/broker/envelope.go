package broker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Header keys carried across redeliveries.
const (
	HeaderRetryCount         = "x-retry-count"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderDelay              = "x-delay"
	HeaderMessageID          = "message-id"
)

// wireEnvelope is the JSON body shape: { pattern, data: { payload, headers } }.
type wireEnvelope struct {
	Pattern string   `json:"pattern"`
	Data    wireData `json:"data"`
}

type wireData struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Headers map[string]any  `json:"headers,omitempty"`
}

// Envelope is a decoded inbound event.
//
// Headers are merged from transport properties and the body's data.headers,
// body winning per key. RetryCount is monotonically non-decreasing across
// redeliveries of one logical event.
type Envelope struct {
	Pattern string
	Payload json.RawMessage
	Headers map[string]any

	MessageID          string
	RetryCount         int
	OriginalRoutingKey string
}

// Decode parses body and merges transport headers underneath body headers.
func Decode(body []byte, transportHeaders map[string]any, transportMessageID string) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return Envelope{}, fmt.Errorf("envelope decode: %w", err)
	}

	headers := make(map[string]any, len(transportHeaders)+len(w.Data.Headers))
	for k, v := range transportHeaders {
		headers[k] = v
	}
	for k, v := range w.Data.Headers {
		headers[k] = v
	}

	e := Envelope{
		Pattern: w.Pattern,
		Payload: w.Data.Payload,
		Headers: headers,
	}
	// data.payload may be absent; the original producers sometimes put the
	// payload directly under data.
	if len(e.Payload) == 0 {
		var raw struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &raw); err == nil {
			e.Payload = raw.Data
		}
	}

	e.RetryCount = intHeader(headers, HeaderRetryCount)
	e.OriginalRoutingKey, _ = headers[HeaderOriginalRoutingKey].(string)

	e.MessageID = transportMessageID
	if id, ok := headers[HeaderMessageID].(string); ok && id != "" {
		e.MessageID = id
	}
	if e.MessageID == "" {
		e.MessageID = "unknown"
	}
	return e, nil
}

// EncodeRetry builds the body and headers for the next redelivery: retry
// count bumped, delay set, all other headers carried forward, message id
// suffixed for traceability.
func (e Envelope) EncodeRetry(delayMS int64) ([]byte, map[string]any, error) {
	headers := make(map[string]any, len(e.Headers)+3)
	for k, v := range e.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = e.RetryCount + 1
	headers[HeaderDelay] = delayMS
	headers[HeaderMessageID] = RetryMessageID(e.MessageID, e.RetryCount+1)

	body, err := json.Marshal(wireEnvelope{
		Pattern: e.OriginalRoutingKey,
		Data: wireData{
			Payload: e.Payload,
			Headers: headers,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("envelope encode: %w", err)
	}
	return body, headers, nil
}

// RetryMessageID suffixes the stable base id per retry: "id#retryN".
func RetryMessageID(id string, retry int) string {
	if i := strings.Index(id, "#retry"); i >= 0 {
		id = id[:i]
	}
	return id + "#retry" + strconv.Itoa(retry)
}

// intHeader tolerates the numeric types JSON decoding and AMQP tables
// produce for the same logical int.
func intHeader(headers map[string]any, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
