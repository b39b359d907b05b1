package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// MaxFrameLength is the hard ceiling on a frame payload. Larger frames are a
// protocol error and close the connection.
const MaxFrameLength = 65536

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum length")
	ErrMalformed     = errors.New("malformed frame")
	ErrTimeout       = errors.New("network timeout")
)

// Delimited frames messages as an ASCII decimal byte count, one space, then
// exactly that many bytes of JSON. Reads are buffered; writes go straight to
// the socket, so there is never a pending write at handoff time.
type Delimited struct {
	conn net.Conn
	r    *bufio.Reader
}

func NewDelimited(conn net.Conn) *Delimited {
	return &Delimited{conn: conn, r: bufio.NewReader(conn)}
}

// RecvClient blocks for the next client frame. Returns io.EOF on an orderly
// end of stream.
func (d *Delimited) RecvClient() (*ClientMessage, error) {
	var m ClientMessage
	if err := d.recvInto(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecvClientTimeout is RecvClient bounded by NetworkTimeout.
func (d *Delimited) RecvClientTimeout() (*ClientMessage, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(NetworkTimeout)); err != nil {
		return nil, err
	}
	defer d.conn.SetReadDeadline(time.Time{})
	m, err := d.RecvClient()
	return m, timeoutOr(err)
}

// RecvServer blocks for the next server frame. Returns io.EOF on an orderly
// end of stream.
func (d *Delimited) RecvServer() (*ServerMessage, error) {
	var m ServerMessage
	if err := d.recvInto(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecvServerTimeout is RecvServer bounded by NetworkTimeout.
func (d *Delimited) RecvServerTimeout() (*ServerMessage, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(NetworkTimeout)); err != nil {
		return nil, err
	}
	defer d.conn.SetReadDeadline(time.Time{})
	m, err := d.RecvServer()
	return m, timeoutOr(err)
}

// Send writes one framed message.
func (d *Delimited) Send(msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encoding frame")
	}
	if len(body) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 0, len(body)+8)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, ' ')
	frame = append(frame, body...)
	if _, err := d.conn.Write(frame); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	return nil
}

// IntoParts yields the bytes already pulled into the read buffer and the raw
// connection, so the caller can hand off to a plain bidirectional copy
// without losing data. The codec must not be used afterwards.
func (d *Delimited) IntoParts() ([]byte, net.Conn) {
	n := d.r.Buffered()
	rest := make([]byte, n)
	if n > 0 {
		// 字节已在缓冲区内，ReadFull 不会失败
		_, _ = io.ReadFull(d.r, rest)
	}
	return rest, d.conn
}

func (d *Delimited) Close() error {
	return d.conn.Close()
}

func (d *Delimited) recvInto(v any) error {
	body, err := d.readFrame()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return nil
}

func (d *Delimited) readFrame() ([]byte, error) {
	length := 0
	digits := 0
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if digits == 0 {
					return nil, io.EOF
				}
				err = io.ErrUnexpectedEOF
			}
			return nil, errors.Wrap(err, "reading frame length")
		}
		if b == ' ' {
			if digits == 0 {
				return nil, errors.Wrap(ErrMalformed, "empty length prefix")
			}
			break
		}
		if b < '0' || b > '9' {
			return nil, errors.Wrap(ErrMalformed, "non-decimal length prefix")
		}
		length = length*10 + int(b-'0')
		digits++
		if length > MaxFrameLength {
			return nil, ErrFrameTooLarge
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, errors.Wrap(err, "reading frame body")
	}
	return body, nil
}

func timeoutOr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return err
}
