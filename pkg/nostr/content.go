package nostr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
)

var hashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// IsValidHash reports whether s matches the canonical lowercase hex
// SHA-256 shape every content hash must take.
func IsValidHash(s string) bool {
	return hashPattern.MatchString(s)
}

// ---- Announcement (31999) ----

// ServerParams are the advisory capability parameters a server advertises.
type ServerParams struct {
	MaxFileSize    uint64
	ChunkSize      uint32
	RetentionHours uint32
}

// ServerDescriptor is a parsed announcement, the client's discovery result.
type ServerDescriptor struct {
	PubKey    string
	DTag      string
	Name      string
	About     string
	Params    ServerParams
	CreatedAt int64
}

// announcementSchema is the informational JSON content every announcement
// carries, documenting the request content shapes. It never varies
// by server, so it is a package-level constant encoded once.
const announcementSchema = `{` +
	`"store":{"action":"store","data":"<base64>","filename":"<string, optional>"},` +
	`"retrieve":{"action":"retrieve","hash":"<64 hex chars>"},` +
	`"delete":{"action":"delete","hash":"<64 hex chars>"}` +
	`}`

// BuildAnnouncement constructs an unsigned 31999 announcement event.
func BuildAnnouncement(pubkey string, createdAt int64, name, about string, params ServerParams) *Event {
	e := NewEvent(KindAnnouncement, pubkey, createdAt, announcementSchema, nil)
	e.AddTag("d", ServerDTag)
	e.AddTag("k", fmt.Sprintf("%d", KindRequest))
	e.AddTag("response_kind", fmt.Sprintf("%d", KindResponse))
	e.AddTag("name", name)
	e.AddTag("about", about)
	e.AddTag("max_file_size", fmt.Sprintf("%d", params.MaxFileSize))
	e.AddTag("chunk_size", fmt.Sprintf("%d", params.ChunkSize))
	e.AddTag("retention_hours", fmt.Sprintf("%d", params.RetentionHours))
	return e
}

// ParseAnnouncement extracts a ServerDescriptor from a 31999 event.
// Events of another kind or without the blob-storage d-tag are rejected;
// missing or unparsable name, about and parameter tags leave the
// corresponding fields at their zero values.
func ParseAnnouncement(e *Event) (*ServerDescriptor, error) {
	if e.Kind != KindAnnouncement {
		return nil, fmt.Errorf("not an announcement event: kind %d", e.Kind)
	}
	dTag, ok := e.Tag("d")
	if !ok || dTag != ServerDTag {
		return nil, fmt.Errorf("missing or unexpected d-tag")
	}

	desc := &ServerDescriptor{
		PubKey:    e.PubKey,
		DTag:      dTag,
		CreatedAt: e.CreatedAt,
	}
	desc.Name, _ = e.Tag("name")
	desc.About, _ = e.Tag("about")

	if v, ok := e.Tag("max_file_size"); ok {
		fmt.Sscanf(v, "%d", &desc.Params.MaxFileSize)
	}
	if v, ok := e.Tag("chunk_size"); ok {
		fmt.Sscanf(v, "%d", &desc.Params.ChunkSize)
	}
	if v, ok := e.Tag("retention_hours"); ok {
		fmt.Sscanf(v, "%d", &desc.Params.RetentionHours)
	}

	return desc, nil
}

// ---- Request (24210) ----

// RequestContent is the JSON body of a 24210 request event.
type RequestContent struct {
	Action   string `json:"action"`
	Data     string `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

func aTag(serverPubkey string) string {
	return fmt.Sprintf("%d:%s:%s", KindAnnouncement, serverPubkey, ServerDTag)
}

// BuildStoreRequest constructs an unsigned store request.
func BuildStoreRequest(pubkey string, createdAt int64, serverPubkey string, data []byte, filename string, relays []string) *Event {
	content := RequestContent{
		Action:   ActionStore,
		Data:     base64.StdEncoding.EncodeToString(data),
		Filename: filename,
	}
	b, _ := json.Marshal(content)
	e := NewEvent(KindRequest, pubkey, createdAt, string(b), nil)
	e.AddTag("a", aTag(serverPubkey))
	if len(relays) > 0 {
		e.AddTag(append([]string{"relays"}, relays...)...)
	}
	return e
}

// BuildRetrieveRequest constructs an unsigned retrieve request.
func BuildRetrieveRequest(pubkey string, createdAt int64, serverPubkey, hash string, relays []string) *Event {
	return buildHashRequest(ActionRetrieve, pubkey, createdAt, serverPubkey, hash, relays)
}

// BuildDeleteRequest constructs an unsigned delete request.
func BuildDeleteRequest(pubkey string, createdAt int64, serverPubkey, hash string, relays []string) *Event {
	return buildHashRequest(ActionDelete, pubkey, createdAt, serverPubkey, hash, relays)
}

func buildHashRequest(action, pubkey string, createdAt int64, serverPubkey, hash string, relays []string) *Event {
	content := RequestContent{Action: action, Hash: hash}
	b, _ := json.Marshal(content)
	e := NewEvent(KindRequest, pubkey, createdAt, string(b), nil)
	e.AddTag("a", aTag(serverPubkey))
	if len(relays) > 0 {
		e.AddTag(append([]string{"relays"}, relays...)...)
	}
	return e
}

// ParseRequest parses and validates a 24210 event's content. On any
// malformed JSON, missing field, bad base64, or unknown action, it
// returns a *ProtocolError with code MALFORMED_REQUEST; a retrieve or
// delete hash of the wrong shape yields code INVALID_HASH. In every such
// case the event must be rejected without side effects.
func ParseRequest(e *Event) (*RequestContent, error) {
	var content RequestContent
	if err := json.Unmarshal([]byte(e.Content), &content); err != nil {
		return nil, Wrap(ErrMalformedRequest, "invalid JSON content", e.ID, err)
	}

	switch content.Action {
	case ActionStore:
		if content.Data == "" {
			return nil, NewProtocolError(ErrMalformedRequest, "store request missing data", e.ID)
		}
		if _, err := base64.StdEncoding.DecodeString(content.Data); err != nil {
			return nil, Wrap(ErrMalformedRequest, "invalid base64 data", e.ID, err)
		}
	case ActionRetrieve, ActionDelete:
		if !IsValidHash(content.Hash) {
			return nil, NewProtocolError(ErrInvalidHash, "hash does not match required shape", e.ID)
		}
	default:
		return nil, NewProtocolError(ErrMalformedRequest, fmt.Sprintf("unknown action %q", content.Action), e.ID)
	}

	return &content, nil
}

// ---- Response (24211) ----

// ResponseContent is the JSON body of a 24211 response event.
type ResponseContent struct {
	Hash    string `json:"hash"`
	Size    uint64 `json:"size"`
	Chunks  int    `json:"chunks"`
	Expires uint64 `json:"expires"`
	Status  string `json:"status"`
}

// BuildResponse constructs an unsigned 24211 response tagged to requestID
// and requesterPubkey.
func BuildResponse(pubkey string, createdAt int64, requestID, requesterPubkey string, content ResponseContent) *Event {
	b, _ := json.Marshal(content)
	e := NewEvent(KindResponse, pubkey, createdAt, string(b), nil)
	e.AddTag("e", requestID)
	e.AddTag("p", requesterPubkey)
	e.AddTag("file_hash", content.Hash)
	e.AddTag("expires", fmt.Sprintf("%d", content.Expires))
	return e
}

// ParseResponse parses a 24211 event's content.
func ParseResponse(e *Event) (*ResponseContent, error) {
	var content ResponseContent
	if err := json.Unmarshal([]byte(e.Content), &content); err != nil {
		return nil, Wrap(ErrMalformedRequest, "invalid response JSON", e.ID, err)
	}
	return &content, nil
}

// ---- Chunk (24212, ephemeral) ----

// ParsedChunk is a chunk carrier event's tag+content data, prior to
// integrity verification (which belongs to the chunker, not the codec).
type ParsedChunk struct {
	FileHash   string
	Index      int
	Total      int
	ChunkHash  string
	Expiration uint64
	Bytes      []byte
}

// BuildChunkEvent constructs an unsigned 24212 event carrying one chunk.
func BuildChunkEvent(pubkey string, createdAt int64, fileHash string, index, total int, chunkHash string, data []byte, expiration uint64) *Event {
	content := base64.StdEncoding.EncodeToString(data)
	e := NewEvent(KindChunk, pubkey, createdAt, content, nil)
	e.AddTag("file_hash", fileHash)
	e.AddTag("chunk_index", fmt.Sprintf("%d", index))
	e.AddTag("chunk_total", fmt.Sprintf("%d", total))
	e.AddTag("chunk_hash", chunkHash)
	e.AddTag("expiration", fmt.Sprintf("%d", expiration))
	return e
}

// ParseChunkEvent parses a 24212 event's tags and base64 content. It does
// not verify the chunk hash against the bytes — that integrity check is
// the chunker's job so the same check path is used whether the
// chunk came in on the server or client side.
func ParseChunkEvent(e *Event) (*ParsedChunk, error) {
	fileHash, ok := e.Tag("file_hash")
	if !ok || !IsValidHash(fileHash) {
		return nil, NewProtocolError(ErrMalformedRequest, "chunk missing valid file_hash tag", e.ID)
	}
	chunkHash, ok := e.Tag("chunk_hash")
	if !ok {
		return nil, NewProtocolError(ErrMalformedRequest, "chunk missing chunk_hash tag", e.ID)
	}

	var index, total int
	var expiration uint64
	idxTag, ok := e.Tag("chunk_index")
	if !ok {
		return nil, NewProtocolError(ErrMalformedRequest, "chunk missing chunk_index tag", e.ID)
	}
	if _, err := fmt.Sscanf(idxTag, "%d", &index); err != nil {
		return nil, Wrap(ErrMalformedRequest, "invalid chunk_index tag", e.ID, err)
	}
	totalTag, ok := e.Tag("chunk_total")
	if !ok {
		return nil, NewProtocolError(ErrMalformedRequest, "chunk missing chunk_total tag", e.ID)
	}
	if _, err := fmt.Sscanf(totalTag, "%d", &total); err != nil {
		return nil, Wrap(ErrMalformedRequest, "invalid chunk_total tag", e.ID, err)
	}
	if expTag, ok := e.Tag("expiration"); ok {
		fmt.Sscanf(expTag, "%d", &expiration)
	}

	data, err := base64.StdEncoding.DecodeString(e.Content)
	if err != nil {
		return nil, Wrap(ErrMalformedRequest, "invalid base64 chunk content", e.ID, err)
	}

	return &ParsedChunk{
		FileHash:   fileHash,
		Index:      index,
		Total:      total,
		ChunkHash:  chunkHash,
		Expiration: expiration,
		Bytes:      data,
	}, nil
}

// ---- Status (21999) ----

// StatusInfo is a parsed status/error event.
type StatusInfo struct {
	RequestID string
	Requester string
	Status    string
	ErrorCode string
	Text      string
}

// BuildStatusEvent constructs an unsigned 21999 event. errorCode is empty
// for non-terminal notices such as "processing".
func BuildStatusEvent(pubkey string, createdAt int64, requestID, requesterPubkey, status, text, errorCode string) *Event {
	e := NewEvent(KindStatus, pubkey, createdAt, text, nil)
	e.AddTag("e", requestID)
	e.AddTag("p", requesterPubkey)
	e.AddTag("status", status)
	if errorCode != "" {
		e.AddTag("error_code", errorCode)
	}
	return e
}

// ParseStatusEvent parses a 21999 event.
func ParseStatusEvent(e *Event) (*StatusInfo, error) {
	requestID, ok := e.Tag("e")
	if !ok {
		return nil, NewProtocolError(ErrMalformedRequest, "status event missing e-tag", e.ID)
	}
	requester, _ := e.Tag("p")
	status, _ := e.Tag("status")
	errorCode, _ := e.Tag("error_code")

	return &StatusInfo{
		RequestID: requestID,
		Requester: requester,
		Status:    status,
		ErrorCode: errorCode,
		Text:      e.Content,
	}, nil
}
