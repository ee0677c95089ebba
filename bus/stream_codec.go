package bus

import (
	"fmt"
	"strconv"
	"time"

	"github.com/agentium/governance-core/envelope"
	"github.com/agentium/governance-core/tier"
)

// toStreamValues flattens an Envelope into the field map XAdd expects.
// Payload is stored as a raw string (callers are expected to have already
// serialized it, e.g. to JSON, before constructing the Envelope).
func toStreamValues(env *envelope.Envelope) map[string]interface{} {
	return map[string]interface{}{
		"message_id":     env.MessageID,
		"correlation_id": env.CorrelationID,
		"sender_id":      env.SenderID,
		"recipient_id":   env.RecipientID,
		"direction":      string(env.Direction),
		"type":           string(env.Type),
		"content":        env.Content,
		"payload":        string(env.Payload),
		"priority":       string(env.Priority),
		"ttl_seconds":    strconv.Itoa(env.TTLSeconds),
		"timestamp":      env.Timestamp.Format(time.RFC3339Nano),
		"hop_count":      strconv.Itoa(env.HopCount),
	}
}

// fromStreamValues reconstructs an Envelope from a stream entry's field
// map, the inverse of toStreamValues.
func fromStreamValues(values map[string]interface{}) (*envelope.Envelope, error) {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}

	ttl, err := strconv.Atoi(str("ttl_seconds"))
	if err != nil {
		return nil, fmt.Errorf("bad ttl_seconds: %w", err)
	}
	hops, err := strconv.Atoi(str("hop_count"))
	if err != nil {
		return nil, fmt.Errorf("bad hop_count: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, str("timestamp"))
	if err != nil {
		return nil, fmt.Errorf("bad timestamp: %w", err)
	}

	return &envelope.Envelope{
		MessageID:     str("message_id"),
		CorrelationID: str("correlation_id"),
		SenderID:      str("sender_id"),
		RecipientID:   str("recipient_id"),
		Direction:     tier.Direction(str("direction")),
		Type:          envelope.MessageType(str("type")),
		Content:       str("content"),
		Payload:       []byte(str("payload")),
		Priority:      envelope.Priority(str("priority")),
		TTLSeconds:    ttl,
		Timestamp:     ts,
		HopCount:      hops,
	}, nil
}
