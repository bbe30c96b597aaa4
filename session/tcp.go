package session

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"
)

// maxFrameLen bounds a single length-delimited frame, guarding against a
// corrupt or hostile peer claiming an unbounded length prefix.
const maxFrameLen = 4 << 20

// handshakeTimeout bounds how long Handshake waits for the remote's ID
// frame before giving up.
const handshakeTimeout = 5 * time.Second

// TCP is a Session over a plain net.Conn, framing each message with a
// 4-byte big-endian length prefix, applied to whole bitswap messages
// instead of piece blocks.
type TCP struct {
	conn net.Conn
	br   *bufio.Reader

	// wmu serializes Write so one frame's length prefix and body are never
	// interleaved with another frame's.
	wmu sync.Mutex

	mu       sync.Mutex
	peerID   string
	peerIDOk bool
}

// netDialer prefers explicit, no-fallback dialing: bitswap connections
// manage their own keepalives and don't want the stdlib's automatic
// dual-stack fallback racing two connection attempts.
var netDialer = net.Dialer{
	FallbackDelay: -1,
	KeepAlive:     -1,
}

// DialTCP opens a TCP session to addr.
func DialTCP(addr string) (*TCP, error) {
	conn, err := netDialer.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "session: dialing tcp")
	}
	return NewTCP(conn), nil
}

// NewTCP wraps an already-established connection (e.g. accepted by a
// listener) as a Session.
func NewTCP(conn net.Conn) *TCP {
	return &TCP{conn: conn, br: bufio.NewReaderSize(conn, 64<<10)}
}

// Peek reports how many bytes are currently buffered and ready to read
// without blocking, matching the Session.peek() -> i32 convention: a
// negative return signals the session is no longer usable.
func (s *TCP) Peek() int32 {
	// Force at least a look at the socket without blocking for long: a
	// short deadline turns a would-block read into io.ErrDeadlineExceeded
	// rather than hanging the worker that's merely polling for readiness.
	_ = s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer s.conn.SetReadDeadline(time.Time{})

	_, err := s.br.Peek(1)
	if err == nil {
		return int32(s.br.Buffered())
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return int32(s.br.Buffered())
	}
	if errors.Is(err, io.EOF) {
		return -1
	}
	log.Levelf(log.Debug, "session: peek: %v", err)
	return -1
}

// Read blocks for up to timeout waiting for one full length-delimited
// frame and returns its payload. A timeout or short read reports ok=false
// without it being treated as a hard session error; callers use Peek/Close
// to distinguish "nothing yet" from "session dead".
func (s *TCP) Read(timeout time.Duration) ([]byte, bool) {
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(s.br, lenBuf[:]); err != nil {
		return nil, false
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, false
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.br, payload); err != nil {
		return nil, false
	}
	return payload, true
}

// Write sends b as a single length-delimited frame and returns the number
// of payload bytes written, or a negative value on error (the
// Session.write(bytes) → i32).
func (s *TCP) Write(b []byte) int32 {
	if len(b) > maxFrameLen {
		return -1
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := s.conn.Write(lenBuf[:]); err != nil {
		return -1
	}
	n, err := s.conn.Write(b)
	if err != nil {
		return -1
	}
	return int32(n)
}

// Close releases the underlying connection.
func (s *TCP) Close() error {
	return s.conn.Close()
}

// Handshake exchanges peer IDs over an already-connected session: it writes
// localID as a frame, reads the remote's ID frame back, records it via
// SetRemotePeer, and returns it. This is how the network layer resolves the
// remote peer identity from the session itself, rather than trusting the
// transport-level address (e.g. conn.RemoteAddr()) as the peer's identity.
func (s *TCP) Handshake(localID string) (string, error) {
	if n := s.Write([]byte(localID)); n < 0 {
		return "", errors.New("session: handshake write failed")
	}
	payload, ok := s.Read(handshakeTimeout)
	if !ok {
		return "", errors.New("session: handshake read timed out")
	}
	remoteID := string(payload)
	s.SetRemotePeer(remoteID)
	return remoteID, nil
}

// SetRemotePeer records the peer ID learned during handshake.
func (s *TCP) SetRemotePeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerID, s.peerIDOk = id, true
}

// RemotePeer implements RemotePeerID.
func (s *TCP) RemotePeer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID, s.peerIDOk
}
