package handlers

// Metadata keys written by the typed handlers. These keys are reserved and
// should not be used for custom metadata.
const (
	// MetadataKeyEventSchema identifies the Go or proto type of the body.
	MetadataKeyEventSchema = "event_message_schema"

	// MetadataKeyContentType describes the body encoding.
	MetadataKeyContentType = "content_type"
)

// Content types written under MetadataKeyContentType.
const (
	ContentTypeJSON      = "application/json"
	ContentTypeProtoJSON = "application/x-protobuf+json"
)
