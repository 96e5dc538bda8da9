package nostr

// Event mirrors the standard Nostr event envelope. Signing (Sig) and ID
// derivation are performed by the relay-client library; code in this
// package treats both as opaque strings supplied by that dependency.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig,omitempty"`
}

// NewEvent builds an unsigned event of the given kind, ready to be handed
// to the relay-client library for signing and publication.
func NewEvent(kind int, pubkey string, createdAt int64, content string, tags [][]string) *Event {
	if tags == nil {
		tags = [][]string{}
	}
	return &Event{
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

// Tag returns the first value of the first tag named name, if any.
// Unknown tags are simply absent from this lookup — callers never need
// to special-case them.
func (e *Event) Tag(name string) (string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

// TagValues returns every value recorded under tags named name, preserving
// order of appearance.
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			values = append(values, t[1])
		}
	}
	return values
}

// AddTag appends a tag to the event.
func (e *Event) AddTag(tag ...string) {
	e.Tags = append(e.Tags, tag)
}
