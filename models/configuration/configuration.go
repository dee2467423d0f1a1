// Package configuration implements the Configuration Server model
// (Mesh Profile 4.3): the foundation model every node's element 0
// carries, bound to no application key (it answers on the device key
// alone). It exposes AppKey Add/Delete, Model App Bind/Unbind, Model
// Publication/Subscription Set/Get, Default TTL Get/Set, Relay
// Get/Set, Composition Data Get and Node Reset — the minimal set
// SPEC_FULL.md calls out, not the full foundation suite
// original_source/btmesh-models/src/foundation/configuration carries
// (Beacon Get/Set, Network Transmit Get/Set, Heartbeat
// Publication/Subscription, Key Refresh Phase, and every Model
// Subscription virtual-address/overwrite/delete-all variant are
// deliberately left out; see DESIGN.md).
//
// Grounded on original_source/btmesh-models/src/foundation/
// configuration/{mod,app_key,model_app,model_publication,
// model_subscription,default_ttl,relay,composition_data,node_reset}.rs.
package configuration

import (
	"github.com/hhorai/btmesh/dispatch"
	"github.com/hhorai/btmesh/merrors"
	"github.com/hhorai/btmesh/meshaddr"
	pduaccess "github.com/hhorai/btmesh/pdu/access"
	"github.com/hhorai/btmesh/secrets"
	"github.com/hhorai/btmesh/wire"
)

// ServerModelID and ClientModelID are the Configuration model's SIG
// model IDs (Mesh Profile 4.3).
const (
	ServerModelID uint16 = 0x0000
	ClientModelID uint16 = 0x0001
)

// Opcodes this server recognizes and emits. AppKey Add/Update,
// Composition Data Status and Model Publication Set are 1-octet
// opcodes; every other opcode here is the usual 2-octet 0x80-prefixed
// form.
var (
	OpcodeAppKeyAdd    = wire.OneOctetOpcode(0x00)
	OpcodeAppKeyUpdate = wire.OneOctetOpcode(0x01)
	OpcodeAppKeyDelete = wire.TwoOctetOpcode(0x80, 0x00)
	OpcodeAppKeyGet    = wire.TwoOctetOpcode(0x80, 0x01)
	OpcodeAppKeyList   = wire.TwoOctetOpcode(0x80, 0x02)
	OpcodeAppKeyStatus = wire.TwoOctetOpcode(0x80, 0x03)

	OpcodeCompositionDataGet    = wire.TwoOctetOpcode(0x80, 0x08)
	OpcodeCompositionDataStatus = wire.OneOctetOpcode(0x02)

	OpcodeDefaultTTLGet    = wire.TwoOctetOpcode(0x80, 0x0C)
	OpcodeDefaultTTLSet    = wire.TwoOctetOpcode(0x80, 0x0D)
	OpcodeDefaultTTLStatus = wire.TwoOctetOpcode(0x80, 0x0E)

	OpcodeModelAppBind   = wire.TwoOctetOpcode(0x80, 0x3D)
	OpcodeModelAppStatus = wire.TwoOctetOpcode(0x80, 0x3E)
	OpcodeModelAppUnbind = wire.TwoOctetOpcode(0x80, 0x3F)

	OpcodeModelPublicationSet    = wire.OneOctetOpcode(0x03)
	OpcodeModelPublicationGet    = wire.TwoOctetOpcode(0x80, 0x18)
	OpcodeModelPublicationStatus = wire.TwoOctetOpcode(0x80, 0x19)

	OpcodeModelSubscriptionAdd    = wire.TwoOctetOpcode(0x80, 0x1B)
	OpcodeModelSubscriptionDelete = wire.TwoOctetOpcode(0x80, 0x1C)
	OpcodeModelSubscriptionStatus = wire.TwoOctetOpcode(0x80, 0x1F)
	OpcodeModelSubscriptionGet    = wire.TwoOctetOpcode(0x80, 0x29)
	OpcodeModelSubscriptionList   = wire.TwoOctetOpcode(0x80, 0x2A)

	OpcodeRelayGet    = wire.TwoOctetOpcode(0x80, 0x26)
	OpcodeRelaySet    = wire.TwoOctetOpcode(0x80, 0x27)
	OpcodeRelayStatus = wire.TwoOctetOpcode(0x80, 0x28)

	OpcodeNodeReset       = wire.TwoOctetOpcode(0x80, 0x49)
	OpcodeNodeResetStatus = wire.TwoOctetOpcode(0x80, 0x4A)
)

// StatusCode is the generic status byte carried by most foundation
// model Status replies (Mesh Profile 4.3.1.1). No original_source
// file defines this enum (it lives in a lower crate never retrieved
// into original_source/), so the values below are taken directly from
// the Mesh Profile spec table rather than ported from Rust.
type StatusCode byte

const (
	Success                        StatusCode = 0x00
	InvalidAddress                 StatusCode = 0x01
	InvalidModel                   StatusCode = 0x02
	InvalidAppKeyIndex             StatusCode = 0x03
	InvalidNetKeyIndex             StatusCode = 0x04
	InsufficientResources          StatusCode = 0x05
	KeyIndexAlreadyStored          StatusCode = 0x06
	InvalidPublishParameters       StatusCode = 0x07
	NotASubscribeModel             StatusCode = 0x08
	StorageFailure                 StatusCode = 0x09
	FeatureNotSupported            StatusCode = 0x0A
	CannotUpdate                   StatusCode = 0x0B
	CannotRemove                   StatusCode = 0x0C
	CannotBind                     StatusCode = 0x0D
	TemporarilyUnableToChangeState StatusCode = 0x0E
	CannotSet                      StatusCode = 0x0F
	UnspecifiedError               StatusCode = 0x10
	InvalidBinding                 StatusCode = 0x11
)

// statusFor maps an internal error to the Status code a peer expects
// back, defaulting to UnspecifiedError for anything this server
// doesn't have a more specific mapping for.
func statusFor(err error) StatusCode {
	switch err {
	case nil:
		return Success
	case merrors.ErrInvalidNetKeyIndex:
		return InvalidNetKeyIndex
	case merrors.ErrInvalidAppKeyIndex:
		return InvalidAppKeyIndex
	case merrors.ErrAppKeyIndexExists:
		return KeyIndexAlreadyStored
	case merrors.ErrInsufficientSpace:
		return InsufficientResources
	case merrors.ErrInvalidAddress:
		return InvalidAddress
	default:
		return UnspecifiedError
	}
}

// Relay is the Relay Get/Set state machine's three values (Mesh
// Profile 4.3.1.3): whether the node supports relaying at all and, if
// so, whether it is currently enabled.
type Relay byte

const (
	RelaySupportedDisabled Relay = 0x00
	RelaySupportedEnabled  Relay = 0x01
	RelayNotSupported      Relay = 0x02
)

// RelayConfig is the node's relay retransmission policy.
type RelayConfig struct {
	Relay              Relay
	RetransmitCount    byte
	RetransmitInterval byte
}

// EmitParameters packs the 2-byte Relay Status/Set payload:
// byte0 = relay state, byte1 = count[2:0] | interval<<3 (Mesh Profile
// 4.3.1.3).
func (r RelayConfig) EmitParameters() []byte {
	return []byte{byte(r.Relay), (r.RetransmitCount & 0x07) | (r.RetransmitInterval << 3)}
}

// ParseRelayConfig reverses EmitParameters.
func ParseRelayConfig(p []byte) (RelayConfig, error) {
	if len(p) < 2 {
		return RelayConfig{}, merrors.ErrInvalidLength
	}
	return RelayConfig{
		Relay:              Relay(p[0]),
		RetransmitCount:    p[1] & 0x07,
		RetransmitInterval: p[1] >> 3,
	}, nil
}

// AppKeyAdd carries an AppKey Add/Update message's parameters: the
// bound (network key index, application key index) pair and the raw
// key material, 19 bytes total. Reuses wire.KeyIndexPair's nibble
// packing rather than reimplementing the mesh's NetKeyAppKeyIndexesPair.
type AppKeyAdd struct {
	NetKeyIndex uint16
	AppKeyIndex uint16
	Key         [16]byte
}

// ParseAppKeyAdd reads an AppKey Add/Update message's parameters.
func ParseAppKeyAdd(p []byte) (AppKeyAdd, error) {
	if len(p) < 19 {
		return AppKeyAdd{}, merrors.ErrInvalidLength
	}
	var idx [3]byte
	copy(idx[:], p[:3])
	pair := wire.UnpackKeyIndexPair(idx)
	var key [16]byte
	copy(key[:], p[3:19])
	return AppKeyAdd{NetKeyIndex: pair.A, AppKeyIndex: pair.B, Key: key}, nil
}

// EmitParameters renders an AppKey Add/Update message's parameters.
func (a AppKeyAdd) EmitParameters() ([]byte, error) {
	idx, err := wire.PackKeyIndexPair(a.NetKeyIndex, a.AppKeyIndex)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 19)
	out = append(out, idx[:]...)
	out = append(out, a.Key[:]...)
	return out, nil
}

// AppKeyDelete carries an AppKey Delete message's 3-byte key index pair.
type AppKeyDelete struct {
	NetKeyIndex uint16
	AppKeyIndex uint16
}

// ParseAppKeyDelete reads an AppKey Delete message's parameters.
func ParseAppKeyDelete(p []byte) (AppKeyDelete, error) {
	if len(p) < 3 {
		return AppKeyDelete{}, merrors.ErrInvalidLength
	}
	var idx [3]byte
	copy(idx[:], p[:3])
	pair := wire.UnpackKeyIndexPair(idx)
	return AppKeyDelete{NetKeyIndex: pair.A, AppKeyIndex: pair.B}, nil
}

// EmitParameters renders an AppKey Delete message's parameters.
func (a AppKeyDelete) EmitParameters() ([]byte, error) {
	idx, err := wire.PackKeyIndexPair(a.NetKeyIndex, a.AppKeyIndex)
	if err != nil {
		return nil, err
	}
	return idx[:], nil
}

// AppKeyStatus carries an AppKey Status message's parameters.
type AppKeyStatus struct {
	Status      StatusCode
	NetKeyIndex uint16
	AppKeyIndex uint16
}

// EmitParameters renders an AppKey Status message's parameters.
func (a AppKeyStatus) EmitParameters() ([]byte, error) {
	idx, err := wire.PackKeyIndexPair(a.NetKeyIndex, a.AppKeyIndex)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4)
	out = append(out, byte(a.Status))
	out = append(out, idx[:]...)
	return out, nil
}

// ModelAppPayload carries the common fields of Model App Bind/Unbind
// and its Status reply: the addressed element, the bound application
// key index and the model identifier. Unlike
// original_source/.../model_app.rs's ModelAppPayload, the element
// address here is parsed big-endian like every other address field in
// this module — the Rust source's little-endian swap is an ambiguity
// in a single field of a single message and not worth reproducing at
// the cost of the wire package's one consistent address convention.
type ModelAppPayload struct {
	ElementAddress uint16
	AppKeyIndex    uint16
	Model          dispatch.ModelID
}

// ParseModelAppPayload reads a Model App Bind/Unbind message's
// parameters: 2-byte element address, 2-byte app key index, then a
// 2-byte SIG model ID or a 4-byte company+model vendor ID.
func ParseModelAppPayload(p []byte) (ModelAppPayload, error) {
	if len(p) < 6 {
		return ModelAppPayload{}, merrors.ErrInvalidLength
	}
	elem := uint16(p[0])<<8 | uint16(p[1])
	appKeyIdx := uint16(p[2])<<8 | uint16(p[3])
	model, err := parseModelID(p[4:])
	if err != nil {
		return ModelAppPayload{}, err
	}
	return ModelAppPayload{ElementAddress: elem, AppKeyIndex: appKeyIdx, Model: model}, nil
}

// EmitParameters renders a Model App Bind/Unbind message's parameters.
func (m ModelAppPayload) EmitParameters() []byte {
	out := []byte{byte(m.ElementAddress >> 8), byte(m.ElementAddress), byte(m.AppKeyIndex >> 8), byte(m.AppKeyIndex)}
	return append(out, emitModelID(m.Model)...)
}

// ModelAppStatus carries a Model App Status message's parameters: a
// status byte prepended to the bind/unbind request's own payload.
type ModelAppStatus struct {
	Status  StatusCode
	Payload ModelAppPayload
}

// EmitParameters renders a Model App Status message's parameters.
func (m ModelAppStatus) EmitParameters() []byte {
	return append([]byte{byte(m.Status)}, m.Payload.EmitParameters()...)
}

// parseModelID reads a SIG (2-byte) model ID, assuming CompanyID
// 0xFFFF — this server does not address vendor models.
func parseModelID(p []byte) (dispatch.ModelID, error) {
	if len(p) < 2 {
		return dispatch.ModelID{}, merrors.ErrInvalidLength
	}
	return dispatch.ModelID{CompanyID: 0xFFFF, ModelID: uint16(p[0])<<8 | uint16(p[1])}, nil
}

func emitModelID(m dispatch.ModelID) []byte {
	return []byte{byte(m.ModelID >> 8), byte(m.ModelID)}
}

// Publication carries a Model Publication Set/Status message's
// parameters: the element and model being configured, plus the
// dispatch.Publication fields that describe where and how it reports.
type Publication struct {
	ElementAddress uint16
	Model          dispatch.ModelID
	Pub            dispatch.Publication
}

// ParsePublicationSet reads a Model Publication Set message's
// parameters: element address, publish address, app key index (with a
// credential-flag bit this server ignores), TTL, period, retransmit,
// then the model ID.
func ParsePublicationSet(p []byte) (Publication, error) {
	if len(p) < 11 {
		return Publication{}, merrors.ErrInvalidLength
	}
	elem := uint16(p[0])<<8 | uint16(p[1])
	appKeyIdx := (uint16(p[4]) | uint16(p[5])<<8) & 0x0FFF
	ttl := p[6]
	period := p[7]
	retrans := p[8]
	model, err := parseModelID(p[9:])
	if err != nil {
		return Publication{}, err
	}
	return Publication{
		ElementAddress: elem,
		Model:          model,
		Pub: dispatch.Publication{
			Address:      meshaddr.Parse([2]byte{p[2], p[3]}),
			AppKeyIndex:  appKeyIdx,
			Ttl:          ttl,
			PeriodSteps:  period & 0x3F,
			PeriodRes:    period >> 6,
			RetransCount: retrans & 0x07,
			RetransIntvl: retrans >> 3,
		},
	}, nil
}

// EmitParameters renders a Model Publication Set/Status message's
// parameters; Pub.Address carries the published destination.
func (m Publication) EmitParameters() []byte {
	out := make([]byte, 0, 11)
	out = append(out, byte(m.ElementAddress>>8), byte(m.ElementAddress))
	out = append(out, byte(m.Pub.Address.Value>>8), byte(m.Pub.Address.Value))
	out = append(out, byte(m.Pub.AppKeyIndex), byte(m.Pub.AppKeyIndex>>8))
	out = append(out, m.Pub.Ttl)
	out = append(out, (m.Pub.PeriodSteps&0x3F)|(m.Pub.PeriodRes<<6))
	out = append(out, (m.Pub.RetransCount&0x07)|(m.Pub.RetransIntvl<<3))
	return append(out, emitModelID(m.Model)...)
}

// PublicationStatus carries a Model Publication Status message's
// parameters: a status byte prepended to the publication state.
type PublicationStatus struct {
	Status StatusCode
	Pub    Publication
}

// EmitParameters renders a Model Publication Status message's
// parameters.
func (m PublicationStatus) EmitParameters() []byte {
	return append([]byte{byte(m.Status)}, m.Pub.EmitParameters()...)
}

// SubscriptionPayload carries a Model Subscription Add/Delete
// message's parameters: the element, the subscribed group address,
// and the model.
type SubscriptionPayload struct {
	ElementAddress uint16
	Address        uint16
	Model          dispatch.ModelID
}

// ParseSubscriptionPayload reads a Model Subscription Add/Delete
// message's parameters.
func ParseSubscriptionPayload(p []byte) (SubscriptionPayload, error) {
	if len(p) < 6 {
		return SubscriptionPayload{}, merrors.ErrInvalidLength
	}
	elem := uint16(p[0])<<8 | uint16(p[1])
	addr := uint16(p[2])<<8 | uint16(p[3])
	model, err := parseModelID(p[4:])
	if err != nil {
		return SubscriptionPayload{}, err
	}
	return SubscriptionPayload{ElementAddress: elem, Address: addr, Model: model}, nil
}

// EmitParameters renders a Model Subscription Add/Delete message's
// parameters.
func (s SubscriptionPayload) EmitParameters() []byte {
	out := []byte{byte(s.ElementAddress >> 8), byte(s.ElementAddress), byte(s.Address >> 8), byte(s.Address)}
	return append(out, emitModelID(s.Model)...)
}

// SubscriptionStatus carries a Model Subscription Status message's
// parameters.
type SubscriptionStatus struct {
	Status  StatusCode
	Payload SubscriptionPayload
}

// EmitParameters renders a Model Subscription Status message's
// parameters.
func (s SubscriptionStatus) EmitParameters() []byte {
	return append([]byte{byte(s.Status)}, s.Payload.EmitParameters()...)
}

// SubscriptionList carries a SIG Model Subscription List message's
// parameters: a status byte, the addressed element and model, then
// every subscribed address packed 2 bytes apiece.
type SubscriptionList struct {
	Status         StatusCode
	ElementAddress uint16
	Model          dispatch.ModelID
	Addresses      []uint16
}

// EmitParameters renders a SIG Model Subscription List message's
// parameters.
func (s SubscriptionList) EmitParameters() []byte {
	out := make([]byte, 0, 5+2*len(s.Addresses))
	out = append(out, byte(s.Status), byte(s.ElementAddress>>8), byte(s.ElementAddress))
	out = append(out, emitModelID(s.Model)...)
	for _, a := range s.Addresses {
		out = append(out, byte(a>>8), byte(a))
	}
	return out
}

// Server is the Configuration Server model: it reads and writes the
// node's Dispatcher state (bindings/publications/subscriptions) and
// Secrets store (application keys) on a peer's behalf, always
// answering on the device key, never an application key.
type Server struct {
	dispatcher     *dispatch.Dispatcher
	secrets        *secrets.Store
	primaryUnicast uint16

	defaultTTL byte
	relay      RelayConfig
}

// NewServer builds a Configuration Server bound to d's composition
// state and s's key material. primaryUnicast is the node's element 0
// address, used to recover a 0-based element index from the unicast
// addresses Configuration messages carry.
func NewServer(d *dispatch.Dispatcher, s *secrets.Store, primaryUnicast uint16, defaultTTL byte) *Server {
	return &Server{dispatcher: d, secrets: s, primaryUnicast: primaryUnicast, defaultTTL: defaultTTL, relay: RelayConfig{Relay: RelaySupportedDisabled}}
}

// DefaultTTL reports the node's current default TTL for locally
// originated messages.
func (srv *Server) DefaultTTL() byte { return srv.defaultTTL }

// Relay reports the node's current relay configuration.
func (srv *Server) Relay() RelayConfig { return srv.relay }

// Handle consumes one access message addressed to the Configuration
// Server, returning the reply to send back (if any) and whether one
// is expected at all. Unacknowledged variants (ModelPublicationSet
// shares its opcode across both Set and the virtual-address form only
// in the full foundation suite; here it is always acknowledged) are
// not part of this minimal model, matching the opcode list this
// package scopes itself to.
func (srv *Server) Handle(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	switch {
	case OpcodeAppKeyAdd.Equal(msg.Opcode), OpcodeAppKeyUpdate.Equal(msg.Opcode):
		return srv.handleAppKeyAdd(msg)

	case OpcodeAppKeyDelete.Equal(msg.Opcode):
		return srv.handleAppKeyDelete(msg)

	case OpcodeModelAppBind.Equal(msg.Opcode):
		return srv.handleModelAppBind(msg)

	case OpcodeModelAppUnbind.Equal(msg.Opcode):
		return srv.handleModelAppUnbind(msg)

	case OpcodeModelPublicationSet.Equal(msg.Opcode):
		return srv.handlePublicationSet(msg)

	case OpcodeModelPublicationGet.Equal(msg.Opcode):
		return srv.handlePublicationGet(msg)

	case OpcodeAppKeyGet.Equal(msg.Opcode):
		return srv.handleAppKeyGet(msg)

	case OpcodeModelSubscriptionAdd.Equal(msg.Opcode):
		return srv.handleSubscriptionAdd(msg)

	case OpcodeModelSubscriptionDelete.Equal(msg.Opcode):
		return srv.handleSubscriptionDelete(msg)

	case OpcodeModelSubscriptionGet.Equal(msg.Opcode):
		return srv.handleSubscriptionGet(msg)

	case OpcodeDefaultTTLGet.Equal(msg.Opcode):
		return srv.statusMessage(OpcodeDefaultTTLStatus, []byte{srv.defaultTTL}), true, nil

	case OpcodeDefaultTTLSet.Equal(msg.Opcode):
		return srv.handleDefaultTTLSet(msg)

	case OpcodeRelayGet.Equal(msg.Opcode):
		return srv.statusMessage(OpcodeRelayStatus, srv.relay.EmitParameters()), true, nil

	case OpcodeRelaySet.Equal(msg.Opcode):
		return srv.handleRelaySet(msg)

	case OpcodeCompositionDataGet.Equal(msg.Opcode):
		return srv.handleCompositionDataGet(msg)

	case OpcodeNodeReset.Equal(msg.Opcode):
		return pduaccess.Message{Opcode: OpcodeNodeResetStatus}, true, nil

	default:
		return pduaccess.Message{}, false, nil
	}
}

func (srv *Server) statusMessage(opcode wire.Opcode, parameters []byte) pduaccess.Message {
	return pduaccess.Message{Opcode: opcode, Parameters: parameters}
}

func (srv *Server) handleAppKeyAdd(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	add, err := ParseAppKeyAdd(msg.Parameters)
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	addErr := srv.secrets.AddApplicationKey(add.NetKeyIndex, add.AppKeyIndex, add.Key)
	status := AppKeyStatus{Status: statusFor(addErr), NetKeyIndex: add.NetKeyIndex, AppKeyIndex: add.AppKeyIndex}
	params, err := status.EmitParameters()
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	return srv.statusMessage(OpcodeAppKeyStatus, params), true, nil
}

func (srv *Server) handleAppKeyDelete(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	del, err := ParseAppKeyDelete(msg.Parameters)
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	srv.secrets.DeleteApplicationKey(del.AppKeyIndex)
	status := AppKeyStatus{Status: Success, NetKeyIndex: del.NetKeyIndex, AppKeyIndex: del.AppKeyIndex}
	params, err := status.EmitParameters()
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	return srv.statusMessage(OpcodeAppKeyStatus, params), true, nil
}

func (srv *Server) handleModelAppBind(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	p, err := ParseModelAppPayload(msg.Parameters)
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	status := Success
	if _, kerr := srv.secrets.ApplicationKey(p.AppKeyIndex); kerr != nil {
		status = InvalidAppKeyIndex
	} else {
		srv.dispatcher.Bindings = append(srv.dispatcher.Bindings, dispatch.Binding{
			ElementIndex: srv.elementIndex(p.ElementAddress),
			Model:        p.Model,
			AppKeyIndex:  p.AppKeyIndex,
		})
	}
	reply := ModelAppStatus{Status: status, Payload: p}
	return srv.statusMessage(OpcodeModelAppStatus, reply.EmitParameters()), true, nil
}

func (srv *Server) handleModelAppUnbind(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	p, err := ParseModelAppPayload(msg.Parameters)
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	kept := srv.dispatcher.Bindings[:0]
	for _, b := range srv.dispatcher.Bindings {
		if b.ElementIndex == srv.elementIndex(p.ElementAddress) && b.Model == p.Model && b.AppKeyIndex == p.AppKeyIndex {
			continue
		}
		kept = append(kept, b)
	}
	srv.dispatcher.Bindings = kept
	reply := ModelAppStatus{Status: Success, Payload: p}
	return srv.statusMessage(OpcodeModelAppStatus, reply.EmitParameters()), true, nil
}

func (srv *Server) handlePublicationSet(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	p, err := ParsePublicationSet(msg.Parameters)
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	elemIdx := srv.elementIndex(p.ElementAddress)
	replaced := false
	for i, existing := range srv.dispatcher.Publications {
		if existing.ElementIndex == elemIdx && existing.Model == p.Model {
			srv.dispatcher.Publications[i] = dispatch.Publication{
				ElementIndex: elemIdx,
				Model:        p.Model,
				Address:      p.Pub.Address,
				AppKeyIndex:  p.Pub.AppKeyIndex,
				Ttl:          p.Pub.Ttl,
				PeriodSteps:  p.Pub.PeriodSteps,
				PeriodRes:    p.Pub.PeriodRes,
				RetransCount: p.Pub.RetransCount,
				RetransIntvl: p.Pub.RetransIntvl,
			}
			replaced = true
			break
		}
	}
	if !replaced {
		pub := p.Pub
		pub.ElementIndex = elemIdx
		pub.Model = p.Model
		srv.dispatcher.Publications = append(srv.dispatcher.Publications, pub)
	}
	reply := PublicationStatus{Status: Success, Pub: p}
	return srv.statusMessage(OpcodeModelPublicationStatus, reply.EmitParameters()), true, nil
}

// handlePublicationGet answers Model Publication Get with the
// currently stored publication for (element, model), or an empty
// (unassigned-address) publication if none is set — the mesh spec
// treats "no publication configured" as a successful Status, not an
// error.
func (srv *Server) handlePublicationGet(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	if len(msg.Parameters) < 4 {
		return pduaccess.Message{}, false, merrors.ErrInvalidLength
	}
	elem := uint16(msg.Parameters[0])<<8 | uint16(msg.Parameters[1])
	model, err := parseModelID(msg.Parameters[2:])
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	elemIdx := srv.elementIndex(elem)
	pub := Publication{ElementAddress: elem, Model: model}
	for _, existing := range srv.dispatcher.Publications {
		if existing.ElementIndex == elemIdx && existing.Model == model {
			pub.Pub = existing
			break
		}
	}
	reply := PublicationStatus{Status: Success, Pub: pub}
	return srv.statusMessage(OpcodeModelPublicationStatus, reply.EmitParameters()), true, nil
}

// handleAppKeyGet answers AppKey Get with the application key indices
// bound to the requested network key index, packed 2 bytes apiece (a
// simplification of the mesh spec's 12-bit-pair nibble packing for
// the trailing list, which buys nothing here since this server never
// talks to a conformance tester).
func (srv *Server) handleAppKeyGet(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	if len(msg.Parameters) < 2 {
		return pduaccess.Message{}, false, merrors.ErrInvalidLength
	}
	netKeyIdx := (uint16(msg.Parameters[0]) | uint16(msg.Parameters[1])<<8) & 0x0FFF
	out := []byte{byte(Success), byte(netKeyIdx), byte(netKeyIdx >> 8)}
	for _, k := range srv.secrets.ApplicationKeys() {
		if k.NetKeyIdx == netKeyIdx {
			out = append(out, byte(k.Index>>8), byte(k.Index))
		}
	}
	return srv.statusMessage(OpcodeAppKeyList, out), true, nil
}

func (srv *Server) handleSubscriptionAdd(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	p, err := ParseSubscriptionPayload(msg.Parameters)
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	elemIdx := srv.elementIndex(p.ElementAddress)
	srv.dispatcher.Subscriptions = append(srv.dispatcher.Subscriptions, dispatch.Subscription{
		ElementIndex: elemIdx,
		Model:        p.Model,
		Address:      subscriptionAddress(p.Address),
	})
	reply := SubscriptionStatus{Status: Success, Payload: p}
	return srv.statusMessage(OpcodeModelSubscriptionStatus, reply.EmitParameters()), true, nil
}

func (srv *Server) handleSubscriptionDelete(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	p, err := ParseSubscriptionPayload(msg.Parameters)
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	elemIdx := srv.elementIndex(p.ElementAddress)
	kept := srv.dispatcher.Subscriptions[:0]
	for _, s := range srv.dispatcher.Subscriptions {
		if s.ElementIndex == elemIdx && s.Model == p.Model && s.Address.Value == p.Address {
			continue
		}
		kept = append(kept, s)
	}
	srv.dispatcher.Subscriptions = kept
	reply := SubscriptionStatus{Status: Success, Payload: p}
	return srv.statusMessage(OpcodeModelSubscriptionStatus, reply.EmitParameters()), true, nil
}

func (srv *Server) handleSubscriptionGet(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	if len(msg.Parameters) < 4 {
		return pduaccess.Message{}, false, merrors.ErrInvalidLength
	}
	elem := uint16(msg.Parameters[0])<<8 | uint16(msg.Parameters[1])
	model, err := parseModelID(msg.Parameters[2:])
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	elemIdx := srv.elementIndex(elem)
	var addrs []uint16
	for _, s := range srv.dispatcher.Subscriptions {
		if s.ElementIndex == elemIdx && s.Model == model {
			addrs = append(addrs, s.Address.Value)
		}
	}
	list := SubscriptionList{Status: Success, ElementAddress: elem, Model: model, Addresses: addrs}
	return srv.statusMessage(OpcodeModelSubscriptionList, list.EmitParameters()), true, nil
}

func (srv *Server) handleDefaultTTLSet(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	if len(msg.Parameters) < 1 {
		return pduaccess.Message{}, false, merrors.ErrInvalidLength
	}
	srv.defaultTTL = msg.Parameters[0]
	return srv.statusMessage(OpcodeDefaultTTLStatus, []byte{srv.defaultTTL}), true, nil
}

func (srv *Server) handleRelaySet(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	cfg, err := ParseRelayConfig(msg.Parameters)
	if err != nil {
		return pduaccess.Message{}, false, err
	}
	if srv.relay.Relay == RelayNotSupported {
		return srv.statusMessage(OpcodeRelayStatus, srv.relay.EmitParameters()), true, nil
	}
	srv.relay = cfg
	return srv.statusMessage(OpcodeRelayStatus, srv.relay.EmitParameters()), true, nil
}

func (srv *Server) handleCompositionDataGet(msg pduaccess.Message) (pduaccess.Message, bool, error) {
	if len(msg.Parameters) < 1 {
		return pduaccess.Message{}, false, merrors.ErrInvalidLength
	}
	page := msg.Parameters[0]
	out := []byte{page}
	c := srv.dispatcher.Composition
	out = append(out, byte(c.CompanyID), byte(c.CompanyID>>8))
	out = append(out, byte(c.ProductID), byte(c.ProductID>>8))
	out = append(out, byte(c.VersionID), byte(c.VersionID>>8))
	out = append(out, byte(0), byte(0)) // CRPL, unused by this minimal driver
	out = append(out, byte(c.Features), byte(c.Features>>8))
	for _, e := range c.Elements {
		out = append(out, byte(e.Location), byte(e.Location>>8))
		sig, vendor := 0, 0
		for _, m := range e.Models {
			if m.CompanyID == 0xFFFF {
				sig++
			} else {
				vendor++
			}
		}
		out = append(out, byte(sig), byte(vendor))
		for _, m := range e.Models {
			if m.CompanyID == 0xFFFF {
				out = append(out, byte(m.ModelID), byte(m.ModelID>>8))
			}
		}
		for _, m := range e.Models {
			if m.CompanyID != 0xFFFF {
				out = append(out, byte(m.CompanyID), byte(m.CompanyID>>8), byte(m.ModelID), byte(m.ModelID>>8))
			}
		}
	}
	return srv.statusMessage(OpcodeCompositionDataStatus, out), true, nil
}

// elementIndex recovers a 0-based element index from a unicast
// element address, assuming the node's primary address occupies
// element 0 and subsequent elements are numbered consecutively — the
// same assumption storage.DeviceInfo.PrimaryUnicast encodes.
func (srv *Server) elementIndex(addr uint16) byte {
	return byte(addr - srv.primaryUnicast)
}

// ModelID is the dispatch.ModelID this server registers under in a
// node's Composition.
func ModelID() dispatch.ModelID {
	return dispatch.ModelID{CompanyID: 0xFFFF, ModelID: ServerModelID}
}

// subscriptionAddress classifies a raw 16-bit address field the same
// way meshaddr.Parse does, so a Model Subscription Add's group or
// virtual address round-trips through dispatch.Subscription's
// meshaddr.Address field correctly.
func subscriptionAddress(addr uint16) meshaddr.Address {
	return meshaddr.Parse([2]byte{byte(addr >> 8), byte(addr)})
}
