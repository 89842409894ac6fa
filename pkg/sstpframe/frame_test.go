package sstpframe

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeControlRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		msgType   MessageType
		attrs     []Attribute
		wantBytes []byte
	}{
		{
			name:    "connect request with encapsulated protocol attribute",
			msgType: MessageTypeCallConnectRequest,
			attrs: []Attribute{
				{ID: AttributeIDEncapsulatedProtocol, Value: []byte{0x00, 0x01}},
			},
			wantBytes: []byte{
				0x10, 0x01, 0x00, 0x0E,
				0x00, 0x01, 0x00, 0x01,
				0x00, 0x01, 0x00, 0x06, 0x00, 0x01,
			},
		},
		{
			name:      "echo response with zero attributes",
			msgType:   MessageTypeEchoResponse,
			attrs:     nil,
			wantBytes: []byte{0x10, 0x01, 0x00, 0x08, 0x00, 0x09, 0x00, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeControl(tt.msgType, tt.attrs)
			if !bytes.Equal(got, tt.wantBytes) {
				t.Fatalf("EncodeControl() = % x, want % x", got, tt.wantBytes)
			}

			frame, err := Decode(got)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if frame.Type != FrameTypeControl {
				t.Errorf("Type = %v, want Control", frame.Type)
			}
			if frame.MessageType != tt.msgType {
				t.Errorf("MessageType = %v, want %v", frame.MessageType, tt.msgType)
			}
			if len(frame.Attributes) != len(tt.attrs) {
				t.Fatalf("len(Attributes) = %d, want %d", len(frame.Attributes), len(tt.attrs))
			}
			for i, a := range frame.Attributes {
				if a.ID != tt.attrs[i].ID || !bytes.Equal(a.Value, tt.attrs[i].Value) {
					t.Errorf("Attributes[%d] = %+v, want %+v", i, a, tt.attrs[i])
				}
			}

			reencoded := EncodeControl(frame.MessageType, frame.Attributes)
			if !bytes.Equal(reencoded, tt.wantBytes) {
				t.Errorf("re-encode after decode = % x, want % x", reencoded, tt.wantBytes)
			}
		})
	}
}

func TestEncodeDataRoundTrip(t *testing.T) {
	payload := []byte{0xC2, 0x23, 0x02, 0xAA}
	encoded := EncodeData(payload)

	frame, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if frame.Type != FrameTypeData {
		t.Fatalf("Type = %v, want Data", frame.Type)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("Payload = % x, want % x", frame.Payload, payload)
	}
}

func TestDecodeLengthMismatchIsDropNotFatalButReported(t *testing.T) {
	// Header claims 16 bytes, only 8 are provided.
	data := []byte{0x10, 0x00, 0x00, 0x10, 0xAA, 0xBB, 0xCC, 0xDD}

	_, err := Decode(data)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("Decode() error = %v, want ErrLengthMismatch", err)
	}
	// Decode itself just classifies the error; callers (the downlink pump)
	// are responsible for treating ErrLengthMismatch as a silent drop
	// rather than tearing the session down.
}

func TestDecodeInvalidVersion(t *testing.T) {
	data := []byte{0x20, 0x00, 0x00, 0x04}
	_, err := Decode(data)
	if !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("Decode() error = %v, want ErrInvalidVersion", err)
	}
}

func TestDecodeInvalidType(t *testing.T) {
	data := []byte{0x10, 0x02, 0x00, 0x04}
	_, err := Decode(data)
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("Decode() error = %v, want ErrInvalidType", err)
	}
}

func TestDecodeAttributesUnknownID(t *testing.T) {
	// attribute id 0x05 is beyond CryptoBindingReq(4).
	payload := []byte{0x00, 0x05, 0x00, 0x04}
	_, err := DecodeAttributes(payload, 1)
	if !errors.Is(err, ErrUnknownAttributeID) {
		t.Fatalf("DecodeAttributes() error = %v, want ErrUnknownAttributeID", err)
	}
}

func TestDecodeAttributesPacketLengthOverrun(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x00, 0xFF, 0x00, 0x01}
	_, err := DecodeAttributes(payload, 1)
	if !errors.Is(err, ErrTruncatedAttribute) {
		t.Fatalf("DecodeAttributes() error = %v, want ErrTruncatedAttribute", err)
	}
}

func TestAttributeSumEqualsControlPayloadMinusHeader(t *testing.T) {
	attrs := []Attribute{
		{ID: AttributeIDStatusInfo, Value: []byte{0x00, 0x00, 0x00, 0x01}},
		{ID: AttributeIDNoError, Value: nil},
	}
	encoded := EncodeControl(MessageTypeCallConnectAck, attrs)

	frame, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	sum := 0
	for _, a := range frame.Attributes {
		sum += a.PacketLength()
	}
	controlPayloadLen := len(encoded) - FrameHeaderSize
	if sum != controlPayloadLen-ControlHeaderSize {
		t.Errorf("sum of attribute lengths = %d, want %d", sum, controlPayloadLen-ControlHeaderSize)
	}
}
