// Package metadata holds the string headers carried alongside a service
// message and the reserved keys used when an envelope crosses a broker.
package metadata

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Reserved header keys. Broker transports map envelope routing onto these so
// consumers that only see raw broker messages can still route them.
const (
	KeyMessageID       = "ms_id"
	KeyChannelID       = "ms_channel"
	KeyMessageType     = "ms_type"
	KeyActionType      = "ms_action"
	KeyChannelPriority = "ms_priority"
	KeyCorrelationKey  = "correlation_id"
	KeyOriginator      = "ms_originator"
	KeyTransitCount    = "ms_transit"
	KeyTraceID         = "trace_id"
	KeySpanID          = "span_id"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map. The result is never nil.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// Get returns the value for key, or "" when absent.
func (m Metadata) Get(key string) string {
	return m[key]
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
