// Package access codecs the Access Message: an Opcode followed by its
// parameters, the payload carried inside a decrypted Upper Transport
// access PDU. Grounded on
// original_source/btmesh-pdu/src/provisioned/access.rs's AccessMessage.
package access

import (
	"github.com/hhorai/btmesh/merrors"
	"github.com/hhorai/btmesh/wire"
)

// Message is a decoded access message: opcode plus parameters.
type Message struct {
	Opcode     wire.Opcode
	Parameters []byte
}

// Parse splits data into its opcode and parameters.
func Parse(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, merrors.ErrInvalidPDUFormat
	}
	opcode, rest, err := wire.SplitOpcode(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Opcode: opcode, Parameters: append([]byte{}, rest...)}, nil
}

// Emit renders the message back to wire bytes.
func (m Message) Emit() []byte {
	buf := m.Opcode.Emit(make([]byte, 0, m.Opcode.Len()+len(m.Parameters)))
	return append(buf, m.Parameters...)
}
