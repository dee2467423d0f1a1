// Package onoff implements the Generic OnOff server model (Mesh Model
// spec 3.1.1): the "addressed model" spec.md section 8's end-to-end
// scenario 1 and the driver's integration tests dispatch access
// messages to, standing in for the "models...treated as message sinks"
// Non-goal's one concrete instance. Grounded on
// original_source/btmesh-models/src/generic/onoff.rs.
package onoff

import (
	"github.com/hhorai/btmesh/dispatch"
	"github.com/hhorai/btmesh/merrors"
	pduaccess "github.com/hhorai/btmesh/pdu/access"
	"github.com/hhorai/btmesh/wire"
)

// ServerModelID and ClientModelID are this model's SIG model IDs
// (Mesh Model spec table 4.1/4.2), for use in a node's
// dispatch.Composition.
const (
	ServerModelID uint16 = 0x1000
	ClientModelID uint16 = 0x1001
)

// Opcodes this model's server role recognizes and emits.
var (
	OpcodeGet               = wire.TwoOctetOpcode(0x82, 0x01)
	OpcodeSet               = wire.TwoOctetOpcode(0x82, 0x02)
	OpcodeSetUnacknowledged = wire.TwoOctetOpcode(0x82, 0x03)
	OpcodeStatus            = wire.TwoOctetOpcode(0x82, 0x04)
)

// Set carries a Generic OnOff Set/Set Unacknowledged message's
// parameters. TransitionTime and Delay are only present when the
// sender included them (onoff.rs's Option<u8> fields).
type Set struct {
	OnOff          byte
	Tid            byte
	HasTransition  bool
	TransitionTime byte
	HasDelay       bool
	Delay          byte
}

// ParseSet reads a Set message's parameters: on_off and tid are
// mandatory, transition_time and delay are each present only if the
// prior field was.
func ParseSet(p []byte) (Set, error) {
	if len(p) < 2 {
		return Set{}, merrors.ErrInvalidLength
	}
	s := Set{OnOff: p[0], Tid: p[1]}
	if len(p) >= 3 {
		s.HasTransition = true
		s.TransitionTime = p[2]
	}
	if len(p) >= 4 {
		s.HasDelay = true
		s.Delay = p[3]
	}
	return s, nil
}

// EmitParameters renders a Set message's parameters.
func (s Set) EmitParameters() []byte {
	out := []byte{s.OnOff, s.Tid}
	if s.HasTransition {
		out = append(out, s.TransitionTime)
		if s.HasDelay {
			out = append(out, s.Delay)
		}
	}
	return out
}

// Status carries a Generic OnOff Status message's parameters.
type Status struct {
	PresentOnOff  byte
	TargetOnOff   byte
	RemainingTime byte
}

// ParseStatus reads a Status message's parameters.
func ParseStatus(p []byte) (Status, error) {
	if len(p) < 3 {
		return Status{}, merrors.ErrInvalidLength
	}
	return Status{PresentOnOff: p[0], TargetOnOff: p[1], RemainingTime: p[2]}, nil
}

// EmitParameters renders a Status message's parameters.
func (s Status) EmitParameters() []byte {
	return []byte{s.PresentOnOff, s.TargetOnOff, s.RemainingTime}
}

// Server is a Generic OnOff Server element: it holds the present
// on/off value and answers Get/Set/Set Unacknowledged with a Status,
// acknowledged requests getting an explicit reply and unacknowledged
// ones updating state silently.
type Server struct {
	present byte
}

// NewServer starts a server with the light/relay/whatever off.
func NewServer() *Server {
	return &Server{}
}

// Present reports the model's current on/off value.
func (s *Server) Present() byte { return s.present }

// Handle consumes one dispatched access message addressed to this
// model, returning the Status reply to send back (if any) and whether
// a reply is expected at all. An opcode this role doesn't recognize is
// simply ignored, mirroring onoff.rs's `_ => Ok(None)` catch-all.
func (s *Server) Handle(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	switch {
	case OpcodeGet.Equal(msg.Opcode):
		return s.statusMessage(), true, nil

	case OpcodeSet.Equal(msg.Opcode):
		set, err := ParseSet(msg.Parameters)
		if err != nil {
			return pduaccess.Message{}, false, err
		}
		s.present = set.OnOff
		return s.statusMessage(), true, nil

	case OpcodeSetUnacknowledged.Equal(msg.Opcode):
		set, err := ParseSet(msg.Parameters)
		if err != nil {
			return pduaccess.Message{}, false, err
		}
		s.present = set.OnOff
		return pduaccess.Message{}, false, nil

	default:
		return pduaccess.Message{}, false, nil
	}
}

func (s *Server) statusMessage() pduaccess.Message {
	status := Status{PresentOnOff: s.present, TargetOnOff: s.present}
	return pduaccess.Message{Opcode: OpcodeStatus, Parameters: status.EmitParameters()}
}

// ModelID is the dispatch.ModelID this server registers under in a
// node's Composition.
func ModelID() dispatch.ModelID {
	return dispatch.ModelID{CompanyID: 0xFFFF, ModelID: ServerModelID}
}
