// Package protocol defines the wire-level message types, connection URL
// parameters, and error taxonomy of the sync transport, per spec §6.
package protocol

import "encoding/json"

// Tag identifies the first element of a [tag, body] transport frame.
type Tag string

const (
	TagInitConnection       Tag = "initConnection"
	TagChangeDesiredQueries Tag = "changeDesiredQueries"
	TagPokeStart            Tag = "pokeStart"
	TagPokePart              Tag = "pokePart"
	TagPokeEnd               Tag = "pokeEnd"
	TagPush                  Tag = "push"
	TagPull                  Tag = "pull"
	TagPullResponse          Tag = "pullResponse"
	TagPing                  Tag = "ping"
	TagPong                  Tag = "pong"
	TagDeleteClients         Tag = "deleteClients"
	TagPushResponse          Tag = "pushResponse"
	TagTransformError        Tag = "transformError"
	TagInspect               Tag = "inspect"
	TagError                 Tag = "error"
	TagConnected             Tag = "connected"
	TagAckMutationResponses  Tag = "ackMutationResponses"
)

// Frame is the wire envelope: a 2-tuple of [tag, body].
type Frame struct {
	Tag  Tag             `json:"-"`
	Body json.RawMessage `json:"-"`
}

// MarshalJSON encodes a Frame as the [tag, body] 2-tuple the transport
// expects, rather than as a JSON object.
func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{f.Tag, json.RawMessage(f.Body)})
}

// UnmarshalJSON decodes a [tag, body] 2-tuple into a Frame.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	var tag string
	if err := json.Unmarshal(tuple[0], &tag); err != nil {
		return err
	}
	f.Tag = Tag(tag)
	f.Body = tuple[1]
	return nil
}

// ConnectionParams models the query parameters of the connection URL:
// wss://host/sync/v<N>/connect?clientID&clientGroupID&userID&baseCookie&ts&lmid&wsid[&debugPerf]
type ConnectionParams struct {
	ProtocolVersion int
	ClientID        string
	ClientGroupID   string
	UserID          string
	BaseCookie      string
	Timestamp       int64
	LastMutationID  uint64
	WSID            string
	DebugPerf       bool
	// Unknown carries any unrecognized query parameters so the server can
	// log/ignore them per §6 ("unknown query parameters must be ignored").
	Unknown map[string]string
}

// RowOp is the kind of row mutation a pokePart carries.
type RowOp string

const (
	RowPut    RowOp = "put"
	RowDelete RowOp = "del"
)

// RowPatch is one idempotent row-level change within a poke, keyed by
// (table, pk) per spec §4.5 invariant 3.
type RowPatch struct {
	Table  string         `json:"table"`
	PK     map[string]any `json:"pk"`
	Op     RowOp          `json:"op"`
	Row    map[string]any `json:"row,omitempty"`
}

// MutationID identifies a single client mutation.
type MutationID struct {
	ClientID string `json:"clientID"`
	ID       uint64 `json:"id"`
}

// MutationResult is the outcome attached to a mutationsPatch entry.
type MutationResult struct {
	Type    string `json:"error,omitempty"` // "app" | "http" | "zero"; empty means ok
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// MutationPatchEntry is one entry of a poke's mutationsPatch.
type MutationPatchEntry struct {
	Mutation MutationID      `json:"mutation"`
	Result   *MutationResult `json:"result,omitempty"`
}

// Mutation is one client-submitted mutation carried in a push message,
// awaiting execution against the application's mutator endpoint.
type Mutation struct {
	ID   MutationID      `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// PushBody is the body of a push message: a batch of mutations the client
// wants executed, in ascending id order, per §4.5's "Mutation responses".
type PushBody struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
}

// PushResponseBody is the body returned by the application's mutator
// endpoint for one pushed batch, one entry per submitted mutation.
type PushResponseBody struct {
	Mutations []MutationPatchEntry `json:"mutations"`
}

// PokeStartBody begins a poke: pokeStart, per invariant 1/2.
type PokeStartBody struct {
	PokeID     string `json:"pokeID"`
	BaseCookie string `json:"baseCookie"`
	Cookie     string `json:"cookie"`
}

// PokePartBody carries one chunk of a poke's payload; any subset of the
// fields below may be populated, per invariant 4.
type PokePartBody struct {
	PokeID                string                `json:"pokeID"`
	RowsPatch             []RowPatch            `json:"rowsPatch,omitempty"`
	DesiredQueriesPatch   []string              `json:"desiredQueriesPatch,omitempty"`
	GotQueriesPatch       []string              `json:"gotQueriesPatch,omitempty"`
	LastMutationIDChanges map[string]uint64     `json:"lastMutationIDChanges,omitempty"`
	MutationsPatch        []MutationPatchEntry  `json:"mutationsPatch,omitempty"`
}

// PokeEndBody closes a poke.
type PokeEndBody struct {
	PokeID string `json:"pokeID"`
	Cookie string `json:"cookie"`
}

// ChangeDesiredQueriesBody is the body of a changeDesiredQueries message.
type ChangeDesiredQueriesBody struct {
	Desired []DesiredQuerySpec `json:"desired,omitempty"`
	Gone    []string           `json:"gone,omitempty"` // queryHash values to drop
}

// DesiredQuerySpec names a query the client wants, either as a custom
// query reference (name+args) or an inline AST.
type DesiredQuerySpec struct {
	QueryHash string         `json:"queryHash"`
	Name      string         `json:"name,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

// InspectBody is the body of an inspect message, per §4.6.
type InspectBody struct {
	Op       string          `json:"op"`
	ID       string          `json:"id,omitempty"`
	Password string          `json:"password,omitempty"`
	ClientID string          `json:"clientID,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// InspectResponseBody is the reply to an inspect message, carried back over
// the same inspect tag. Value holds op-specific data. An op rejected for
// lack of prior authenticate success gets back Op: "authenticated",
// Value: false, regardless of which op was requested, per §4.6 and
// scenario S5.
type InspectResponseBody struct {
	Op    string `json:"op"`
	ID    string `json:"id,omitempty"`
	Value any    `json:"value,omitempty"`
}
