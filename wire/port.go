package wire

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// sendTimeout and recvPollTimeout are the fabric's two fixed transport
// budgets; a third, reply timeout, is caller-specified and lives in
// ackreg.
const (
	sendTimeout     = 100 * time.Millisecond
	recvPollTimeout = time.Second
)

// oobBufferSize comfortably holds the SCM_RIGHTS ancillary data for one
// passed file descriptor.
const oobBufferSize = 32

// Port is this substrate's stand-in for a Mach port: an abstract-
// namespace SOCK_DGRAM socket. Addresses are plain names; Address
// prefixes them with "@" to land in the abstract namespace, matching
// the convention already used elsewhere in this tree for client/server
// rendezvous sockets.
type Port struct {
	conn *net.UnixConn
	addr *net.UnixAddr
}

// Address returns the abstract-namespace unixgram address for name.
func Address(name string) (*net.UnixAddr, error) {
	return net.ResolveUnixAddr("unixgram", "@"+name)
}

// Listen opens a receive port bound to name.
func Listen(name string) (*Port, error) {
	addr, err := Address(name)
	if err != nil {
		return nil, fmt.Errorf("wire: resolve %q: %w", name, err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: listen %q: %w", name, err)
	}
	return &Port{conn: conn, addr: addr}, nil
}

// Dial opens a receive port bound to localName, or to an auto-assigned
// abstract address when localName is empty. Like any Port it can also
// send to other ports by name.
func Dial(localName string) (*Port, error) {
	var addr *net.UnixAddr
	var err error
	if localName != "" {
		addr, err = Address(localName)
	} else {
		addr, err = net.ResolveUnixAddr("unixgram", "")
	}
	if err != nil {
		return nil, fmt.Errorf("wire: resolve local addr: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial local: %w", err)
	}
	return &Port{conn: conn, addr: addr}, nil
}

// LocalName returns this port's own abstract address, with the leading
// "@" stripped, suitable for embedding in a CONNECT request as a reply
// channel.
func (p *Port) LocalName() string {
	name := p.conn.LocalAddr().String()
	if len(name) > 0 && name[0] == '@' {
		return name[1:]
	}
	return name
}

// Send writes header, an optional plain user payload, and an optional
// capability fd to the port named dest. userFD >= 0 requires the
// header's msgid to carry msgid.Share; userPayload may be set
// independently of it.
func (p *Port) Send(destName string, header Header, userPayload []byte, userFD int) error {
	destAddr, err := Address(destName)
	if err != nil {
		return fmt.Errorf("wire: resolve dest %q: %w", destName, err)
	}
	return p.sendTo(destAddr, header, userPayload, userFD)
}

func (p *Port) sendTo(dest *net.UnixAddr, header Header, userPayload []byte, userFD int) error {
	header.UserPayloadSize = uint32(len(userPayload))
	header.UserPayloadShare = userFD >= 0

	encodedHeader, err := EncodeHeader(header)
	if err != nil {
		return fmt.Errorf("wire: encode header: %w", err)
	}
	if len(encodedHeader) > 0xFFFF {
		return fmt.Errorf("wire: header too large: %d bytes", len(encodedHeader))
	}

	buf := make([]byte, 2+len(encodedHeader)+len(userPayload))
	buf[0] = byte(len(encodedHeader) >> 8)
	buf[1] = byte(len(encodedHeader))
	copy(buf[2:], encodedHeader)
	copy(buf[2+len(encodedHeader):], userPayload)

	var oob []byte
	if userFD >= 0 {
		oob = unix.UnixRights(userFD)
	}

	if err := p.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return fmt.Errorf("wire: set write deadline: %w", err)
	}
	n, _, err := p.conn.WriteMsgUnix(buf, oob, dest)
	if err != nil {
		return fmt.Errorf("wire: send to %s: %w", dest, err)
	}
	if n != len(buf) {
		return fmt.Errorf("wire: short send to %s: wrote %d of %d bytes", dest, n, len(buf))
	}
	return nil
}

// Receive polls for one frame with the fixed recvPollTimeout, returning
// (frame, true, nil) on delivery, (zero, false, nil) on a benign poll
// timeout the caller should retry, and (zero, false, err) on a hard
// transport error.
func (p *Port) Receive() (Frame, bool, error) {
	buf := make([]byte, 65536)
	oob := make([]byte, oobBufferSize)

	if err := p.conn.SetReadDeadline(time.Now().Add(recvPollTimeout)); err != nil {
		return Frame{}, false, fmt.Errorf("wire: set read deadline: %w", err)
	}
	n, oobn, _, _, err := p.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Frame{}, false, nil
		}
		return Frame{}, false, fmt.Errorf("wire: receive: %w", err)
	}
	if n < 2 {
		return Frame{}, false, fmt.Errorf("wire: short frame: %d bytes", n)
	}

	headerLen := int(buf[0])<<8 | int(buf[1])
	if 2+headerLen > n {
		return Frame{}, false, fmt.Errorf("wire: truncated header: need %d, have %d", headerLen, n-2)
	}
	header, err := DecodeHeader(buf[2 : 2+headerLen])
	if err != nil {
		return Frame{}, false, fmt.Errorf("wire: decode header: %w", err)
	}

	frame := Frame{Header: header, UserFD: -1}

	// The byte region and the capability fd are independent: a SHARE
	// frame may still carry ordinary payload bytes alongside the
	// capability (e.g. send_with_capability's bytes argument), so both
	// are always decoded when present rather than one gated on the
	// other.
	if n > 2+headerLen {
		frame.UserPayload = append([]byte(nil), buf[2+headerLen:n]...)
	}

	if header.UserPayloadShare && oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return Frame{}, false, fmt.Errorf("wire: parse ancillary data: %w", err)
		}
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err != nil {
				continue
			}
			if len(fds) > 0 {
				frame.UserFD = fds[0]
			}
		}
	}

	return frame, true, nil
}

// Close releases the underlying socket.
func (p *Port) Close() error {
	return p.conn.Close()
}

// ReleaseUserFD closes a Frame's UserFD. Every Frame.UserFD obtained
// from Receive (fd >= 0) must be released exactly once: either handed
// to shmem.Map, which takes ownership, or closed here when nothing
// claims it.
func ReleaseUserFD(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
