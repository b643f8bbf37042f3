// Package vsmmsg defines the Message envelope shared by the Transport and
// the VSM message handlers, and the routing-key parsing rules that bind a
// message to exactly one of the five VSM systems.
package vsmmsg

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cybernetic-system/core/internal/vsmerr"
)

// Message is the opaque envelope carried over the Transport. RoutingKey has
// the form "sN.operation" where N is 1..5.
type Message struct {
	RoutingKey string
	Payload    map[string]any
	Meta       map[string]any
	TraceID    string
}

// Meta keys used throughout the core.
const (
	MetaTimestamp     = "timestamp"
	MetaSource        = "source"
	MetaCorrelationID = "correlation_id"
	MetaTraceID       = "trace_id"
)

// NewTraceID returns a fresh random trace identifier.
func NewTraceID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// TraceIDFromMeta extracts trace_id from meta, generating one if absent.
func TraceIDFromMeta(meta map[string]any) string {
	if meta != nil {
		if v, ok := meta[MetaTraceID]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return NewTraceID()
}

// System identifies one of the five VSM subsystems.
type System int

const (
	S1 System = 1
	S2 System = 2
	S3 System = 3
	S4 System = 4
	S5 System = 5
)

// String renders the system as its routing-key prefix ("s1".."s5"), the
// form VSM message handlers stamp into the "source" meta field.
func (s System) String() string {
	if s < S1 || s > S5 {
		return fmt.Sprintf("s?(%d)", int(s))
	}
	return fmt.Sprintf("s%d", int(s))
}

// ParseRoutingKey splits "sN.operation" into its system number and
// operation name. Returns vsmerr.ErrUnknownRoutingKey if the prefix does
// not match s[1-5].
func ParseRoutingKey(key string) (System, string, error) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w: %q", vsmerr.ErrUnknownRoutingKey, key)
	}
	prefix, op := parts[0], parts[1]
	if len(prefix) != 2 || prefix[0] != 's' {
		return 0, "", fmt.Errorf("%w: %q", vsmerr.ErrUnknownRoutingKey, key)
	}
	switch prefix[1] {
	case '1':
		return S1, op, nil
	case '2':
		return S2, op, nil
	case '3':
		return S3, op, nil
	case '4':
		return S4, op, nil
	case '5':
		return S5, op, nil
	default:
		return 0, "", fmt.Errorf("%w: %q", vsmerr.ErrUnknownRoutingKey, key)
	}
}

// BrokerRoutingKey renders the broker-bound form "vsm.N.operation" for a
// given system/operation pair, matching the queue binding pattern
// "vsm.systemN.*" <- "vsm.N.*" from §6.
func BrokerRoutingKey(sys System, op string) string {
	return fmt.Sprintf("vsm.%d.%s", sys, op)
}

// NewMessage builds a Message with a timestamp and trace id stamped into
// Meta, generating a trace id if one isn't already present.
func NewMessage(routingKey string, payload map[string]any, meta map[string]any) Message {
	if meta == nil {
		meta = make(map[string]any, 4)
	}
	if _, ok := meta[MetaTraceID]; !ok {
		meta[MetaTraceID] = NewTraceID()
	}
	if _, ok := meta[MetaTimestamp]; !ok {
		meta[MetaTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return Message{
		RoutingKey: routingKey,
		Payload:    payload,
		Meta:       meta,
		TraceID:    meta[MetaTraceID].(string),
	}
}
