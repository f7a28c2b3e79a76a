package webrpc

import (
	"encoding/json"
	"fmt"
)

// Wire message type discriminators.
const (
	msgRequest  = "request"
	msgResponse = "response"
	msgPing     = "ping"
	msgPong     = "pong"
	msgEvent    = "event" // reserved; accepted and ignored
)

// SessionObjectID is the well-known object ID under which every session
// exposes itself to its peer.
const SessionObjectID = "org.webrpc.session"

// Reference side markers, interpreted relative to the sender:
// "L" means local to the sender (remote to the receiver) and vice versa.
const (
	SideLocal  = "L"
	SideRemote = "R"
)

// Ref is the wire form of a reference to a remotable object. It may appear
// anywhere a JSON value is expected within request parameters or response
// values. RefID is allocated per emitted reference and is absent for
// proxies being passed back (Side "R") and for well-known IDs.
type Ref struct {
	ObjectID string `json:"Rε,omitempty"`
	Side     string `json:"S,omitempty"`
	RefID    string `json:"Rid,omitempty"`
}

// Key returns the outstanding-reference registry key for this reference.
func (r *Ref) Key() string {
	return r.ObjectID + "." + r.RefID
}

// envelope is the JSON message envelope exchanged between peers. Parameters,
// Value and Error stay raw until the session's reference decoder walks them;
// the receiver field is typed since it must resolve before dispatch.
type envelope struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Receiver *Ref            `json:"receiver,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"parameters,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

func parseEnvelope(frame []byte) (*envelope, error) {
	env := &envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message envelope missing type")
	}
	return env, nil
}

// isRefShape reports whether a decoded JSON object is a reference
// descriptor: it carries a side marker and no keys beyond the descriptor
// fields. This is the reviver-side counterpart of the encoder's
// descriptor substitution.
func isRefShape(m map[string]any) bool {
	side, ok := m["S"].(string)
	if !ok || (side != SideLocal && side != SideRemote) {
		return false
	}
	for k := range m {
		switch k {
		case "Rε", "S", "Rid":
		default:
			return false
		}
	}
	return true
}

func refFromMap(m map[string]any) *Ref {
	r := &Ref{}
	r.ObjectID, _ = m["Rε"].(string)
	r.Side, _ = m["S"].(string)
	r.RefID, _ = m["Rid"].(string)
	return r
}
