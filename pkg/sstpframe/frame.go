// Package sstpframe implements the SSTP wire codec: frame headers, control
// messages, and attributes.
package sstpframe

import (
	"encoding/binary"
	"fmt"
)

const (
	// ProtocolVersion is the only version this codec accepts.
	ProtocolVersion = 0x10

	// FrameHeaderSize is the size in bytes of the fixed Frame header.
	FrameHeaderSize = 4
	// ControlHeaderSize is the size in bytes of the control-message header
	// that follows the Frame header inside a Control frame's payload.
	ControlHeaderSize = 4
	// AttributeHeaderSize is the size in bytes of an Attribute's fixed
	// header (reserved + attribute_id + packet_length).
	AttributeHeaderSize = 4
)

// FrameType identifies whether a Frame carries control traffic or
// encapsulated PPP data.
type FrameType byte

const (
	FrameTypeData    FrameType = 0x00
	FrameTypeControl FrameType = 0x01
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeData:
		return "Data"
	case FrameTypeControl:
		return "Control"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(t))
	}
}

// MessageType identifies an SSTP control message.
type MessageType uint16

const (
	MessageTypeCallConnectRequest MessageType = 1
	MessageTypeCallConnectAck     MessageType = 2
	MessageTypeCallConnectNak     MessageType = 3
	MessageTypeCallConnected      MessageType = 4
	MessageTypeCallAbort          MessageType = 5
	MessageTypeCallDisconnect     MessageType = 6
	MessageTypeCallDisconnectAck  MessageType = 7
	MessageTypeEchoRequest        MessageType = 8
	MessageTypeEchoResponse       MessageType = 9
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeCallConnectRequest:
		return "CallConnectRequest"
	case MessageTypeCallConnectAck:
		return "CallConnectAck"
	case MessageTypeCallConnectNak:
		return "CallConnectNak"
	case MessageTypeCallConnected:
		return "CallConnected"
	case MessageTypeCallAbort:
		return "CallAbort"
	case MessageTypeCallDisconnect:
		return "CallDisconnect"
	case MessageTypeCallDisconnectAck:
		return "CallDisconnectAck"
	case MessageTypeEchoRequest:
		return "EchoRequest"
	case MessageTypeEchoResponse:
		return "EchoResponse"
	default:
		return fmt.Sprintf("Unknown(0x%04x)", uint16(m))
	}
}

// AttributeID identifies an attribute carried inside a control message.
type AttributeID byte

const (
	AttributeIDNoError              AttributeID = 0
	AttributeIDEncapsulatedProtocol AttributeID = 1
	AttributeIDStatusInfo           AttributeID = 2
	AttributeIDCryptoBinding        AttributeID = 3
	AttributeIDCryptoBindingReq     AttributeID = 4
)

func (a AttributeID) String() string {
	switch a {
	case AttributeIDNoError:
		return "NoError"
	case AttributeIDEncapsulatedProtocol:
		return "EncapsulatedProtocolId"
	case AttributeIDStatusInfo:
		return "StatusInfo"
	case AttributeIDCryptoBinding:
		return "CryptoBinding"
	case AttributeIDCryptoBindingReq:
		return "CryptoBindingReq"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(a))
	}
}

// EncapsulatedProtocolPPP is the value carried by an
// EncapsulatedProtocolId attribute when negotiating PPP.
const EncapsulatedProtocolPPP uint16 = 0x0001

// Attribute is a single typed, length-prefixed value inside a control
// message.
type Attribute struct {
	ID    AttributeID
	Value []byte
}

// PacketLength is the on-wire length of the attribute, header included.
func (a Attribute) PacketLength() int {
	return AttributeHeaderSize + len(a.Value)
}

// Frame is a single decoded SSTP frame: either a Control frame carrying a
// message_type and a list of attributes, or a Data frame carrying opaque
// PPP bytes.
type Frame struct {
	Type        FrameType
	MessageType MessageType // meaningful only when Type == FrameTypeControl
	Attributes  []Attribute // meaningful only when Type == FrameTypeControl
	Payload     []byte      // meaningful only when Type == FrameTypeData
}

// EncodeControl produces a complete Control Frame for msgType carrying
// attrs in the given order.
func EncodeControl(msgType MessageType, attrs []Attribute) []byte {
	controlLen := ControlHeaderSize
	for _, a := range attrs {
		controlLen += a.PacketLength()
	}
	total := FrameHeaderSize + controlLen

	buf := make([]byte, total)
	buf[0] = ProtocolVersion
	buf[1] = byte(FrameTypeControl)
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))

	binary.BigEndian.PutUint16(buf[4:6], uint16(msgType))
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(attrs)))

	off := FrameHeaderSize + ControlHeaderSize
	for _, a := range attrs {
		buf[off] = 0
		buf[off+1] = byte(a.ID)
		binary.BigEndian.PutUint16(buf[off+2:off+4], uint16(a.PacketLength()))
		copy(buf[off+4:], a.Value)
		off += a.PacketLength()
	}
	return buf
}

// EncodeData wraps payload in a Data Frame.
func EncodeData(payload []byte) []byte {
	total := FrameHeaderSize + len(payload)
	buf := make([]byte, total)
	buf[0] = ProtocolVersion
	buf[1] = byte(FrameTypeData)
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	copy(buf[FrameHeaderSize:], payload)
	return buf
}

// Decode parses a single complete frame, already delimited to exactly the
// bytes the header claims. Returns ErrLengthMismatch when the header's
// length field disagrees with len(data); callers must treat that as a
// silent drop, not a fatal error, per the documented interop quirk where a
// server's first PPP frame sometimes reports an inconsistent length.
func Decode(data []byte) (Frame, error) {
	if len(data) < FrameHeaderSize {
		return Frame{}, fmt.Errorf("sstpframe: %w: got %d bytes, need at least %d", ErrTruncatedAttribute, len(data), FrameHeaderSize)
	}
	if data[0] != ProtocolVersion {
		return Frame{}, fmt.Errorf("sstpframe: %w: got 0x%02x, want 0x%02x", ErrInvalidVersion, data[0], ProtocolVersion)
	}
	ft := FrameType(data[1])
	if ft != FrameTypeData && ft != FrameTypeControl {
		return Frame{}, fmt.Errorf("sstpframe: %w: 0x%02x", ErrInvalidType, data[1])
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) != len(data) {
		return Frame{}, fmt.Errorf("sstpframe: %w: header claims %d, got %d bytes", ErrLengthMismatch, length, len(data))
	}

	if ft == FrameTypeData {
		return Frame{Type: FrameTypeData, Payload: data[FrameHeaderSize:]}, nil
	}

	payload := data[FrameHeaderSize:]
	if len(payload) < ControlHeaderSize {
		return Frame{}, fmt.Errorf("sstpframe: %w: control payload too short", ErrTruncatedAttribute)
	}
	msgType := MessageType(binary.BigEndian.Uint16(payload[0:2]))
	numAttrs := binary.BigEndian.Uint16(payload[2:4])

	attrs, err := DecodeAttributes(payload[ControlHeaderSize:], numAttrs)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeControl, MessageType: msgType, Attributes: attrs}, nil
}

// DecodeAttributes parses exactly expectedCount attributes packed
// contiguously in payload.
func DecodeAttributes(payload []byte, expectedCount uint16) ([]Attribute, error) {
	attrs := make([]Attribute, 0, expectedCount)
	off := 0
	for i := uint16(0); i < expectedCount; i++ {
		if len(payload)-off < AttributeHeaderSize {
			return nil, fmt.Errorf("sstpframe: %w: attribute %d header truncated", ErrTruncatedAttribute, i)
		}
		id := AttributeID(payload[off+1])
		if id > AttributeIDCryptoBindingReq {
			return nil, fmt.Errorf("sstpframe: %w: 0x%02x", ErrUnknownAttributeID, byte(id))
		}
		packetLen := int(binary.BigEndian.Uint16(payload[off+2 : off+4]))
		if packetLen < AttributeHeaderSize || off+packetLen > len(payload) {
			return nil, fmt.Errorf("sstpframe: %w: attribute %d packet_length %d exceeds payload", ErrTruncatedAttribute, i, packetLen)
		}
		value := make([]byte, packetLen-AttributeHeaderSize)
		copy(value, payload[off+4:off+packetLen])
		attrs = append(attrs, Attribute{ID: id, Value: value})
		off += packetLen
	}
	return attrs, nil
}
