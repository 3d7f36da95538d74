//go:build linux

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/model"
)

func init() {
	Register(TypeCAN, func(ch *model.Channel) (Transport, error) {
		if ch.CAN == nil {
			return nil, fmt.Errorf("transport: channel %d has no can params", ch.ID)
		}
		return &CANTransport{iface: ch.CAN.Iface, filters: ch.CAN.Filters}, nil
	})
}

const (
	canFrameLen  = 16 // struct can_frame: id(4) + dlc(1) + pad(3) + data(8)
	canEFFFlag   = 0x80000000
	canRTRFlag   = 0x40000000
	canErrFlag   = 0x20000000
	canSFFMask   = 0x000007FF
	canEFFMask   = 0x1FFFFFFF
)

// CANTransport is a raw SocketCAN (AF_CAN, SOCK_RAW, CAN_RAW) socket with an
// optional filter list applied at bind time (spec.md §4.2).
type CANTransport struct {
	iface   string
	filters []uint32

	mu sync.Mutex
	fd int
}

func (c *CANTransport) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd != 0 {
		return nil
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return errcode.Wrap("transport.CANTransport.Connect", errcode.ConnRefused, err)
	}
	iface, err := unix.NewIfreq(c.iface)
	if err != nil {
		unix.Close(fd)
		return errcode.Wrap("transport.CANTransport.Connect", errcode.ConnRefused, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, iface); err != nil {
		unix.Close(fd)
		return errcode.Wrap("transport.CANTransport.Connect", errcode.ConnRefused, err)
	}
	ifindex, err := iface.Uint32()
	if err != nil {
		unix.Close(fd)
		return errcode.Wrap("transport.CANTransport.Connect", errcode.ConnRefused, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: int(ifindex)}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return errcode.Wrap("transport.CANTransport.Connect", errcode.ConnRefused, err)
	}
	if len(c.filters) > 0 {
		if err := applyFilters(fd, c.filters); err != nil {
			unix.Close(fd)
			return errcode.Wrap("transport.CANTransport.Connect", errcode.ConnRefused, err)
		}
	}
	c.fd = fd
	return nil
}

func (c *CANTransport) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd == 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = 0
	return err
}

// Send writes one raw can_frame. data must already be a 16-byte struct
// can_frame encoded by EncodeFrame.
func (c *CANTransport) Send(data []byte) error {
	c.mu.Lock()
	fd := c.fd
	c.mu.Unlock()
	if fd == 0 {
		return errcode.WrapMsg("transport.CANTransport.Send", errcode.ConnClosed, "not connected")
	}
	if _, err := unix.Write(fd, data); err != nil {
		return errcode.Wrap("transport.CANTransport.Send", errcode.ConnReset, err)
	}
	return nil
}

func (c *CANTransport) Recv(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	fd := c.fd
	c.mu.Unlock()
	if fd == 0 {
		return nil, errcode.WrapMsg("transport.CANTransport.Recv", errcode.ConnClosed, "not connected")
	}
	if timeout > 0 {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	}
	buf := make([]byte, canFrameLen)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, errcode.WrapMsg("transport.CANTransport.Recv", errcode.TimeoutExceeded, "read timeout")
		}
		return nil, errcode.Wrap("transport.CANTransport.Recv", errcode.ConnReset, err)
	}
	return buf[:n], nil
}

func (c *CANTransport) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd != 0
}

func (c *CANTransport) Type() Type { return TypeCAN }

// applyFilters installs a CAN_RAW_FILTER sockopt: an array of struct
// can_filter{can_id uint32; can_mask uint32}, one exact-match filter per id.
func applyFilters(fd int, ids []uint32) error {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(buf[i*8:i*8+4], id)
		binary.LittleEndian.PutUint32(buf[i*8+4:i*8+8], canEFFMask|canEFFFlag)
	}
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd),
		uintptr(unix.SOL_CAN_RAW), uintptr(unix.CAN_RAW_FILTER),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// EncodeFrame packs a logical Frame into the 16-byte struct can_frame wire
// layout (id with EFF/RTR flag bits, dlc, 3 pad bytes, 8 data bytes).
func EncodeFrame(id uint32, extended bool, data []byte) []byte {
	buf := make([]byte, canFrameLen)
	wireID := id & canSFFMask
	if extended {
		wireID = id&canEFFMask | canEFFFlag
	}
	binary.LittleEndian.PutUint32(buf[0:4], wireID)
	buf[4] = byte(len(data))
	copy(buf[8:8+len(data)], data)
	return buf
}

// EncodeRTRFrame packs a zero-payload remote-transmission-request frame:
// the standard CAN mechanism for soliciting one broadcast from a node that
// honors RTR, used by the driver's batch-read trigger (spec.md §4.2).
func EncodeRTRFrame(id uint32, extended bool, dlc uint8) []byte {
	buf := make([]byte, canFrameLen)
	wireID := id&canSFFMask | canRTRFlag
	if extended {
		wireID = id&canEFFMask | canEFFFlag | canRTRFlag
	}
	binary.LittleEndian.PutUint32(buf[0:4], wireID)
	buf[4] = dlc
	return buf
}

// IsRTR reports whether a decoded can_frame's RTR bit was set.
func IsRTR(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(buf[0:4])&canRTRFlag != 0
}

// DecodeFrame unpacks a 16-byte struct can_frame.
func DecodeFrame(buf []byte) (id uint32, extended bool, data []byte, err error) {
	if len(buf) < canFrameLen {
		return 0, false, nil, errcode.WrapMsg("transport.DecodeFrame", errcode.Truncated, "short can_frame")
	}
	raw := binary.LittleEndian.Uint32(buf[0:4])
	extended = raw&canEFFFlag != 0
	if extended {
		id = raw & canEFFMask
	} else {
		id = raw & canSFFMask
	}
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}
	return id, extended, append([]byte{}, buf[8:8+dlc]...), nil
}
