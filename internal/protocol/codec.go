package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hyperengineering/possync/internal/fault"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned for frames over MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Frames are [u32 big-endian length][json body].

// WriteFrame encodes msg onto w as one frame.
func WriteFrame(w io.Writer, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame decodes the next frame from r. io.EOF is returned unwrapped
// when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (Message, error) {
	var msg Message
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return msg, err
	}
	if n > MaxFrameSize {
		return msg, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return msg, fmt.Errorf("read frame body: %w", err)
	}
	if err := json.Unmarshal(buf, &msg); err != nil {
		return msg, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == "" {
		return msg, errors.New("malformed frame: missing type")
	}
	return msg, nil
}

// Conn is a framed duplex connection. Send is safe for concurrent use;
// Receive must be called from one goroutine.
type Conn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
	mu  sync.Mutex
}

// NewConn wraps rwc.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc, r: bufio.NewReader(rwc)}
}

// Send writes one message.
func (c *Conn) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.rwc, msg)
}

// Receive reads the next message.
func (c *Conn) Receive() (Message, error) {
	return ReadFrame(c.r)
}

// Reply sends a SUCCESS carrying result for request id.
func (c *Conn) Reply(id int64, result any) error {
	msg, err := NewMessage(TypeSuccess, id, result)
	if err != nil {
		return c.ReplyError(id, fault.Wrap(fault.KindInternal, "encode", err))
	}
	return c.Send(msg)
}

// ReplyError sends an ERROR for request id.
func (c *Conn) ReplyError(id int64, cause error) error {
	msg, err := NewMessage(TypeError, id, ErrorFrom(cause))
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Emit sends an event.
func (c *Conn) Emit(t Type, payload any) error {
	msg, err := NewMessage(t, 0, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}
