package sv2

// Core message types. These occupy the low range and never collide with
// extension message types.
const (
	MsgTypeSetupConnection        uint8 = 0x00
	MsgTypeSetupConnectionSuccess uint8 = 0x01
)

// ProtocolMining is the protocol discriminator sent in SetupConnection
const ProtocolMining uint8 = 0

// Protocol versions
const (
	ProtocolVersion uint16 = 2
)

// SetupConnection opens a pool to mint session
type SetupConnection struct {
	Protocol   uint8
	MinVersion uint16
	MaxVersion uint16
	Flags      uint32
	Vendor     string
}

// Encode serialises the message payload
func (m *SetupConnection) Encode() ([]byte, error) {
	enc := NewEncoder(10 + len(m.Vendor))
	enc.U8(m.Protocol)
	enc.U16(m.MinVersion)
	enc.U16(m.MaxVersion)
	enc.U32(m.Flags)
	if err := enc.Str0255(m.Vendor); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

// Frame returns the message wrapped in a core frame
func (m *SetupConnection) Frame() (Frame, error) {
	payload, err := m.Encode()
	if err != nil {
		return Frame{}, err
	}
	return Frame{ExtensionType: ExtensionTypeCore, MsgType: MsgTypeSetupConnection, Payload: payload}, nil
}

// DecodeSetupConnection parses a SetupConnection payload
func DecodeSetupConnection(payload []byte) (*SetupConnection, error) {
	d := NewDecoder(payload)
	m := &SetupConnection{}
	var err error
	if m.Protocol, err = d.U8(); err != nil {
		return nil, err
	}
	if m.MinVersion, err = d.U16(); err != nil {
		return nil, err
	}
	if m.MaxVersion, err = d.U16(); err != nil {
		return nil, err
	}
	if m.Flags, err = d.U32(); err != nil {
		return nil, err
	}
	if m.Vendor, err = d.Str0255(); err != nil {
		return nil, err
	}
	return m, d.Finish()
}

// SupportsVersion reports whether v lies in the advertised range
func (m *SetupConnection) SupportsVersion(v uint16) bool {
	return m.MinVersion <= v && v <= m.MaxVersion
}

// SetupConnectionSuccess accepts a SetupConnection
type SetupConnectionSuccess struct {
	UsedVersion uint16
	Flags       uint32
}

// Encode serialises the message payload
func (m *SetupConnectionSuccess) Encode() []byte {
	enc := NewEncoder(6)
	enc.U16(m.UsedVersion)
	enc.U32(m.Flags)
	return enc.Bytes()
}

// Frame returns the message wrapped in a core frame
func (m *SetupConnectionSuccess) Frame() Frame {
	return Frame{ExtensionType: ExtensionTypeCore, MsgType: MsgTypeSetupConnectionSuccess, Payload: m.Encode()}
}

// DecodeSetupConnectionSuccess parses a SetupConnectionSuccess payload
func DecodeSetupConnectionSuccess(payload []byte) (*SetupConnectionSuccess, error) {
	d := NewDecoder(payload)
	m := &SetupConnectionSuccess{}
	var err error
	if m.UsedVersion, err = d.U16(); err != nil {
		return nil, err
	}
	if m.Flags, err = d.U32(); err != nil {
		return nil, err
	}
	return m, d.Finish()
}
