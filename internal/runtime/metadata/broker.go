package metadata

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// envelopePrefix marks headers that mirror envelope fields. The envelope in
// the payload stays authoritative for them.
const envelopePrefix = "ms_"

// IsEnvelopeKey reports whether key mirrors a field of the service envelope.
func IsEnvelopeKey(key string) bool {
	return strings.HasPrefix(key, envelopePrefix)
}

// Outbound builds the broker headers for a message. Routing entries are laid
// over md, so a user header cannot spoof an envelope key.
func Outbound(md, routing Metadata) message.Metadata {
	wm := make(message.Metadata, len(md)+len(routing))
	for k, v := range md {
		if !IsEnvelopeKey(k) {
			wm[k] = v
		}
	}
	for k, v := range routing {
		wm[k] = v
	}
	return wm
}

// Inbound merges broker headers into the metadata the envelope carried.
// Envelope mirrors are dropped and carried entries win. The result is never
// nil.
func Inbound(wm message.Metadata, carried Metadata) Metadata {
	md := make(Metadata, len(wm)+len(carried))
	for k, v := range wm {
		if !IsEnvelopeKey(k) {
			md[k] = v
		}
	}
	for k, v := range carried {
		md[k] = v
	}
	return md
}
