// Package wire implements the on-wire framing and the AF_UNIX
// SOCK_DGRAM transport the fabric runs over. A Port is this
// implementation's substrate for a Mach port: an abstract-namespace
// datagram socket, with capability transfer carried as SCM_RIGHTS
// ancillary file descriptors rather than Mach port rights.
package wire

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/capfabric/capfabric/msgid"
)

// Header is the protocol payload carried ahead of every user payload,
// the Go analogue of internal_payload_t. It is cbor-encoded onto the
// wire; the user payload follows as a second, opaque byte range (an
// OOL descriptor in the original, here just the remainder of the
// datagram, or a SCM_RIGHTS fd when msgid.Share is set).
type Header struct {
	MsgID            msgid.ID
	ClientID         uint32
	ClientSlot       int32
	CorrelationID    uint64
	CorrelationSlot  int32
	Status           int32
	UserPayloadSize  uint32
	UserPayloadShare bool
	Deadline         time.Time `cbor:"-"`
	DeadlineUnixNano int64
}

// EncodeHeader cbor-marshals h for wire transmission.
func EncodeHeader(h Header) ([]byte, error) {
	if !h.Deadline.IsZero() {
		h.DeadlineUnixNano = h.Deadline.UnixNano()
	}
	return cbor.Marshal(h)
}

// DecodeHeader reverses EncodeHeader.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if err := cbor.Unmarshal(data, &h); err != nil {
		return Header{}, err
	}
	if h.DeadlineUnixNano != 0 {
		h.Deadline = time.Unix(0, h.DeadlineUnixNano)
	}
	return h, nil
}

// Frame is a decoded header plus its associated user payload, as
// delivered to a receive loop. UserFD is >= 0 when the header's msgid
// carries msgid.Share; UserPayload may be set independently of it (a
// SHARE frame can carry ordinary payload bytes alongside the
// capability).
type Frame struct {
	Header      Header
	UserPayload []byte
	UserFD      int
}
