// Package transport provides a concrete cmdchan.Transport that dials
// the control-plane socket a co-located SmartNIC daemon exposes.
package transport

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/internal/logging"
	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
)

var log = logging.For("transport")

// wireHeaderLen is the fixed-size prefix carried on every
// request/response frame over the socket: opcode(2) + obj_type(2) +
// uid(2) + padding(2) + payload length(4). The payload's own encoding
// is opaque to this package.
const wireHeaderLen = 12

// UnixSocketTransport issues cmdchan requests over a SOCK_SEQPACKET
// Unix domain socket, the transport a co-located SmartNIC control
// daemon is expected to expose.
type UnixSocketTransport struct {
	Path    string
	Timeout time.Duration

	conn *net.UnixConn
}

// Dial connects to the control socket at path, setting the socket's
// receive timeout directly via golang.org/x/sys/unix so a wedged
// daemon can't block a command indefinitely.
func Dial(path string, timeout time.Duration) (*UnixSocketTransport, error) {
	addr := &net.UnixAddr{Name: path, Net: "unixpacket"}
	conn, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.CommandChannelFailure, "transport: dial control socket")
	}

	raw, err := conn.SyscallConn()
	if err == nil {
		_ = raw.Control(func(fd uintptr) {
			tv := unix.NsecToTimeval(timeout.Nanoseconds())
			_ = unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
		})
	}

	return &UnixSocketTransport{Path: path, Timeout: timeout, conn: conn}, nil
}

// Close releases the underlying socket.
func (t *UnixSocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// Do implements cmdchan.Transport.
func (t *UnixSocketTransport) Do(ctx context.Context, req cmdchan.Request) (cmdchan.Response, error) {
	if t.conn == nil {
		return cmdchan.Response{}, errkind.New(errkind.NoDevice, "transport: not connected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(deadline)
	}

	frame := make([]byte, wireHeaderLen+len(req.In))
	binary.LittleEndian.PutUint16(frame[0:2], uint16(req.Opcode))
	binary.LittleEndian.PutUint16(frame[2:4], uint16(req.ObjType))
	binary.LittleEndian.PutUint16(frame[4:6], req.Uid)
	binary.LittleEndian.PutUint32(frame[8:12], uint32(len(req.In)))
	copy(frame[wireHeaderLen:], req.In)

	if _, err := t.conn.Write(frame); err != nil {
		return cmdchan.Response{}, errkind.Wrap(err, errkind.CommandChannelFailure, "transport: write request frame")
	}

	reply := make([]byte, 4096)
	n, err := t.conn.Read(reply)
	if err != nil {
		return cmdchan.Response{}, errkind.Wrap(err, errkind.CommandChannelFailure, "transport: read response frame")
	}
	if n < 1 {
		return cmdchan.Response{}, errkind.New(errkind.Truncated, "transport: empty response frame")
	}

	log.WithField("opcode", req.Opcode).WithField("bytes", n).Debug("command channel round trip")
	return cmdchan.Response{Syndrome: reply[0], Out: append([]byte(nil), reply[1:n]...)}, nil
}
