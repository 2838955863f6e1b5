package wormhole

// Protocol identifies the WebSocket subprotocol this client speaks, so a
// relay can reject or warn about version skew at the handshake, before any
// nameplate or mailbox state exists.
const Protocol = "magic-wormhole-1"

// frame is the wire representation of both client→server and server→client
// messages: a flat JSON object keyed by "type", decoded once into a map of
// raw fields and re-marshalled field by field as needed. Using one loose
// type for every frame (rather than per-type structs with a discriminated
// union) matches the underlying protocol, which is a single flat namespace
// of optional fields, and keeps the transport adapter a thin, generic
// codec — all protocol-specific interpretation lives in the session state
// machine, as the distilled spec requires ("unknown types are logged and
// ignored").
type frame map[string]interface{}

func newFrame(typ string) frame {
	return frame{"type": typ}
}

// with sets a field and returns the frame, for building a frame in one
// expression at the call site.
func (f frame) with(key string, val interface{}) frame {
	f[key] = val
	return f
}

func (f frame) typ() string {
	t, _ := f["type"].(string)
	return t
}

func (f frame) str(key string) string {
	s, _ := f[key].(string)
	return s
}

func (f frame) obj(key string) frame {
	m, _ := f[key].(map[string]interface{})
	return frame(m)
}

func (f frame) list(key string) []interface{} {
	l, _ := f[key].([]interface{})
	return l
}

// Frame type names, client→server.
const (
	typeBind     = "bind"
	typeList     = "list"
	typeAllocate = "allocate"
	typeClaim    = "claim"
	typeRelease  = "release"
	typeOpen     = "open"
	typeAdd      = "add"
	typeClose    = "close"
)

// Frame type names, server→client.
const (
	typeWelcome    = "welcome"
	typeNameplates = "nameplates"
	typeAllocated  = "allocated"
	typeClaimed    = "claimed"
	typeReleased   = "released"
	typeMessage    = "message"
	typeClosed     = "closed"
	typeError      = "error"
)

// Mood values for the close frame, purely informational to the relay.
const (
	MoodHappy = "happy"
	MoodLonely = "lonely"
	MoodScary = "scary"
	MoodErrory = "errory"
)

// Internal (non-numeric) phase names.
const (
	phasePake    = "pake"
	phaseConfirm = "confirm"
)
