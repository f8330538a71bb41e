// Package frame defines the wire formats exchanged by block-ack peers:
// sequenced data frames, the ADDBA request/response frames that negotiate
// reorder sessions, and the DELBA frames that tear them down.
//
// All frames share a fixed 8-byte header:
//
//	[0]   frame type
//	[1:7] peer hardware address
//	[7]   traffic class
//
// Multi-byte fields are big-endian.
package frame

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/database64128/blockack-go/seqnum"
)

// Type discriminates the frame formats.
type Type byte

const (
	TypeData Type = iota
	TypeAddBAReq
	TypeAddBAResp
	TypeDelBA
)

// String implements [fmt.Stringer.String].
func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeAddBAReq:
		return "addba-request"
	case TypeAddBAResp:
		return "addba-response"
	case TypeDelBA:
		return "delba"
	default:
		return "unknown"
	}
}

// Peer identifies a wireless peer by its fixed-width hardware address.
type Peer [6]byte

// String implements [fmt.Stringer.String].
func (p Peer) String() string {
	return net.HardwareAddr(p[:]).String()
}

// MaxTID is the highest valid traffic class.
const MaxTID = 7

// Policy is the set of block-ack policy flags carried by negotiation frames.
type Policy byte

const (
	// PolicyImmediateAck selects immediate over delayed acknowledgment.
	PolicyImmediateAck Policy = 1 << iota

	// PolicyCompressedBitmap selects the compressed acknowledgment bitmap.
	PolicyCompressedBitmap

	// PolicyMultiTID marks a multi-traffic-class negotiation.
	PolicyMultiTID
)

// Status is the result code carried by an ADDBA response.
type Status byte

const (
	StatusSuccess Status = iota
	StatusRefused
	StatusAlreadyExists
	StatusResourceLimit
)

// String implements [fmt.Stringer.String].
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRefused:
		return "refused"
	case StatusAlreadyExists:
		return "already-exists"
	case StatusResourceLimit:
		return "resource-limit"
	default:
		return "unknown"
	}
}

// Reason is the teardown reason code carried by a DELBA frame.
type Reason uint16

const (
	ReasonNone Reason = iota
	ReasonTimeout
	ReasonReset
	ReasonUnspecified
	ReasonResourceLimit
	ReasonPolicyChange
)

// String implements [fmt.Stringer.String].
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTimeout:
		return "timeout"
	case ReasonReset:
		return "reset"
	case ReasonUnspecified:
		return "unspecified"
	case ReasonResourceLimit:
		return "resource-limit"
	case ReasonPolicyChange:
		return "policy-change"
	default:
		return "unknown"
	}
}

const (
	headerSize = 8

	// DataHeaderSize is the size of a data frame before its payload.
	DataHeaderSize = headerSize + 2

	// AddBAReqSize is the size of an ADDBA request frame.
	AddBAReqSize = headerSize + 7

	// AddBARespSize is the size of an ADDBA response frame.
	AddBARespSize = headerSize + 6

	// DelBASize is the size of a DELBA frame.
	DelBASize = headerSize + 2
)

// Wire-level window bounds accepted by the parser.
// Engines clamp negotiated windows further.
const (
	MinWireWindow = 1
	MaxWireWindow = 1024
)

var (
	ErrFrameTooShort = errors.New("frame too short")
	ErrUnknownType   = errors.New("unknown frame type")
	ErrInvalidTID    = errors.New("traffic class out of range")
	ErrInvalidSeq    = errors.New("sequence number out of range")
	ErrInvalidWindow = errors.New("window size out of bounds")
)

// Header is the fixed leading portion shared by all frame formats.
type Header struct {
	Type Type
	Peer Peer
	TID  uint8
}

func (h Header) appendTo(b []byte) []byte {
	b = append(b, byte(h.Type))
	b = append(b, h.Peer[:]...)
	return append(b, h.TID)
}

// Classify returns the frame type without fully parsing the frame.
func Classify(b []byte) (Type, error) {
	if len(b) < headerSize {
		return 0, ErrFrameTooShort
	}
	t := Type(b[0])
	if t > TypeDelBA {
		return 0, ErrUnknownType
	}
	return t, nil
}

// ParseHeader parses and validates the common frame header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, ErrFrameTooShort
	}
	h := Header{
		Type: Type(b[0]),
		Peer: Peer(b[1:7]),
		TID:  b[7],
	}
	if h.Type > TypeDelBA {
		return Header{}, ErrUnknownType
	}
	if h.TID > MaxTID {
		return Header{}, ErrInvalidTID
	}
	return h, nil
}

// Data is a sequenced data frame.
type Data struct {
	Header
	Seq     seqnum.Num
	Payload []byte
}

// AppendTo appends the marshaled frame to b and returns the extended slice.
func (f Data) AppendTo(b []byte) []byte {
	f.Type = TypeData
	b = f.Header.appendTo(b)
	b = binary.BigEndian.AppendUint16(b, uint16(f.Seq))
	return append(b, f.Payload...)
}

// ParseData parses a data frame. The returned payload aliases b.
func ParseData(b []byte) (Data, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Data{}, err
	}
	if len(b) < DataHeaderSize {
		return Data{}, ErrFrameTooShort
	}
	seq := seqnum.Num(binary.BigEndian.Uint16(b[8:10]))
	if !seqnum.Valid(seq) {
		return Data{}, ErrInvalidSeq
	}
	return Data{
		Header:  h,
		Seq:     seq,
		Payload: b[DataHeaderSize:],
	}, nil
}

// AddBAReq is a session-open request.
type AddBAReq struct {
	Header
	Policy   Policy
	Window   uint16
	StartSeq seqnum.Num

	// Timeout is the requested reorder flush timeout in milliseconds.
	// Zero leaves the choice to the recipient.
	Timeout uint16
}

// AppendTo appends the marshaled frame to b and returns the extended slice.
func (f AddBAReq) AppendTo(b []byte) []byte {
	f.Type = TypeAddBAReq
	b = f.Header.appendTo(b)
	b = append(b, byte(f.Policy))
	b = binary.BigEndian.AppendUint16(b, f.Window)
	b = binary.BigEndian.AppendUint16(b, uint16(f.StartSeq))
	return binary.BigEndian.AppendUint16(b, f.Timeout)
}

// ParseAddBAReq parses a session-open request.
func ParseAddBAReq(b []byte) (AddBAReq, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return AddBAReq{}, err
	}
	if len(b) < AddBAReqSize {
		return AddBAReq{}, ErrFrameTooShort
	}
	f := AddBAReq{
		Header:   h,
		Policy:   Policy(b[8]),
		Window:   binary.BigEndian.Uint16(b[9:11]),
		StartSeq: seqnum.Num(binary.BigEndian.Uint16(b[11:13])),
		Timeout:  binary.BigEndian.Uint16(b[13:15]),
	}
	if !seqnum.Valid(f.StartSeq) {
		return AddBAReq{}, ErrInvalidSeq
	}
	if f.Window < MinWireWindow || f.Window > MaxWireWindow {
		return AddBAReq{}, ErrInvalidWindow
	}
	return f, nil
}

// AddBAResp is a session-open response.
type AddBAResp struct {
	Header
	Status Status
	Policy Policy

	// Window is the granted window size. Valid only on success.
	Window uint16

	// Timeout is the granted reorder flush timeout in milliseconds.
	Timeout uint16
}

// AppendTo appends the marshaled frame to b and returns the extended slice.
func (f AddBAResp) AppendTo(b []byte) []byte {
	f.Type = TypeAddBAResp
	b = f.Header.appendTo(b)
	b = append(b, byte(f.Status), byte(f.Policy))
	b = binary.BigEndian.AppendUint16(b, f.Window)
	return binary.BigEndian.AppendUint16(b, f.Timeout)
}

// ParseAddBAResp parses a session-open response.
func ParseAddBAResp(b []byte) (AddBAResp, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return AddBAResp{}, err
	}
	if len(b) < AddBARespSize {
		return AddBAResp{}, ErrFrameTooShort
	}
	f := AddBAResp{
		Header:  h,
		Status:  Status(b[8]),
		Policy:  Policy(b[9]),
		Window:  binary.BigEndian.Uint16(b[10:12]),
		Timeout: binary.BigEndian.Uint16(b[12:14]),
	}
	if f.Status == StatusSuccess && (f.Window < MinWireWindow || f.Window > MaxWireWindow) {
		return AddBAResp{}, ErrInvalidWindow
	}
	return f, nil
}

// DelBA is a session-close request.
type DelBA struct {
	Header
	Reason Reason
}

// AppendTo appends the marshaled frame to b and returns the extended slice.
func (f DelBA) AppendTo(b []byte) []byte {
	f.Type = TypeDelBA
	b = f.Header.appendTo(b)
	return binary.BigEndian.AppendUint16(b, uint16(f.Reason))
}

// ParseDelBA parses a session-close request.
func ParseDelBA(b []byte) (DelBA, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return DelBA{}, err
	}
	if len(b) < DelBASize {
		return DelBA{}, ErrFrameTooShort
	}
	return DelBA{
		Header: h,
		Reason: Reason(binary.BigEndian.Uint16(b[8:10])),
	}, nil
}
