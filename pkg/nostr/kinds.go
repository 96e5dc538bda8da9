// Package nostr implements the BlobDVM wire protocol: the five Nostr
// event kinds, their tag shapes, and their JSON content payloads.
// Signing and signature verification are delegated to the relay-client
// library the core consumes; this package only builds and
// parses event data.
package nostr

// Event kinds used by the protocol.
const (
	KindAnnouncement = 31999 // parameterized-replaceable server announcement
	KindRequest      = 24210 // regular: client -> server request
	KindResponse     = 24211 // regular: server -> client response
	KindChunk        = 24212 // ephemeral: file chunk carrier
	KindStatus       = 21999 // regular: status / error notice
)

// KindName returns a human-readable name for a protocol kind, for logging.
func KindName(kind int) string {
	switch kind {
	case KindAnnouncement:
		return "announcement"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindChunk:
		return "chunk"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// ServerDTag is the addressable d-tag value every server announcement
// carries.
const ServerDTag = "blob-storage-v1"

// Actions a request event's content may carry.
const (
	ActionStore    = "store"
	ActionRetrieve = "retrieve"
	ActionDelete   = "delete"
)

// Response/status status strings.
const (
	StatusStored     = "stored"
	StatusAvailable  = "available"
	StatusDeleted    = "deleted"
	StatusError      = "error"
	StatusProcessing = "processing"
)
