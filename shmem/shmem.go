// Package shmem implements the shared-memory capability: a memfd-backed
// region one side creates and the other maps, passed between processes
// as a SCM_RIGHTS file descriptor riding alongside a frame whose msgid
// carries the SHARE flag.
package shmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/capfabric/capfabric/msgid"
	"github.com/capfabric/capfabric/wire"
)

// Transfer describes what happens to the sender's own mapping once a
// capability has been handed to a peer.
type Transfer int

const (
	// TransferCopy (the default, and forced when msgid.LocalCopy is set)
	// leaves the sender's mapping and fd intact; the peer gets its own
	// independent fd via SCM_RIGHTS duplication.
	TransferCopy Transfer = iota
	// TransferMove releases the sender's own mapping and fd after the
	// send succeeds, leaving the peer as sole owner.
	TransferMove
)

// Handle wraps one memfd-backed region mapped into this process, either
// as the originating owner or as a consumer of a capability received
// from a peer.
type Handle struct {
	fd      int
	size    int
	data    []byte
	isOwner bool
}

// Create allocates a new memfd of the given size and maps it read-write
// in owner mode.
func Create(size int) (*Handle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmem: invalid size %d", size)
	}
	fd, err := unix.MemfdCreate("capfabric-shmem", 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: mmap: %w", err)
	}
	return &Handle{fd: fd, size: size, data: data, isOwner: true}, nil
}

// Map wraps a capability fd received from a peer (typically extracted
// from SCM_RIGHTS ancillary data) and maps it read-write in consumer
// mode. The caller hands over ownership of fd; Map takes it over.
func Map(fd int, size int) (*Handle, error) {
	if size <= 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: invalid size %d", size)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: mmap: %w", err)
	}
	return &Handle{fd: fd, size: size, data: data, isOwner: false}, nil
}

// Data returns the mapped region. Writes are visible to any other
// mapping of the same memfd, immediately and without synchronization
// from this package — callers coordinate access themselves.
func (h *Handle) Data() []byte {
	return h.data
}

// Size returns the region's length in bytes.
func (h *Handle) Size() int {
	return h.size
}

// FD returns the underlying memfd, for passing via SCM_RIGHTS. The
// caller must not close it directly; use Destroy or Dup.
func (h *Handle) FD() int {
	return h.fd
}

// IsOwner reports whether this handle was created by Create rather than
// Map.
func (h *Handle) IsOwner() bool {
	return h.isOwner
}

// Dup returns a duplicate of the underlying fd suitable for handing to
// SCM_RIGHTS without disturbing this handle's own mapping — the
// TransferCopy path.
func (h *Handle) Dup() (int, error) {
	dup, err := unix.FcntlInt(uintptr(h.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("shmem: dup: %w", err)
	}
	return dup, nil
}

// Send transfers this capability to destName over port, setting the
// header's msgid.Share flag (and msgid.LocalCopy for TransferCopy) and
// attaching userPayload as the frame's ordinary payload bytes alongside
// the capability fd. On TransferCopy the peer receives a duplicate fd
// and this handle's own mapping is untouched; on TransferMove the peer
// receives this handle's own fd and Send destroys the handle on success,
// leaving the peer as sole owner.
func (h *Handle) Send(port *wire.Port, destName string, header wire.Header, userPayload []byte, transfer Transfer) error {
	header.MsgID = header.MsgID.Set(msgid.Share)
	if header.MsgID.Has(msgid.LocalCopy) {
		transfer = TransferCopy
	}

	sendFD := h.fd
	if transfer == TransferCopy {
		header.MsgID = header.MsgID.Set(msgid.LocalCopy)
		dup, err := h.Dup()
		if err != nil {
			return fmt.Errorf("shmem: send: %w", err)
		}
		sendFD = dup
	}

	if err := port.Send(destName, header, userPayload, sendFD); err != nil {
		if transfer == TransferCopy {
			unix.Close(sendFD)
		}
		return fmt.Errorf("shmem: send: %w", err)
	}

	if transfer == TransferCopy {
		return unix.Close(sendFD)
	}
	return h.Destroy()
}

// Destroy unmaps the region and closes the fd. Safe to call once; a
// second call is a no-op.
func (h *Handle) Destroy() error {
	if h.data == nil {
		return nil
	}
	err := unix.Munmap(h.data)
	h.data = nil
	if cerr := unix.Close(h.fd); cerr != nil && err == nil {
		err = cerr
	}
	h.fd = -1
	return err
}
