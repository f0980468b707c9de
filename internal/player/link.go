package player

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// Errors surfaced by the link. Callers distinguish them with errors.Is.
var (
	// ErrTimeout means no matching response arrived within the allotted
	// duration.
	ErrTimeout = errors.New("player: query timed out")

	// ErrConnClosed means the player closed the connection while we were
	// reading.
	ErrConnClosed = errors.New("player: connection closed")

	// ErrPidMismatch means the player behind the socket is not the
	// process we were told to attach to.
	ErrPidMismatch = errors.New("player: pid mismatch")
)

const dialTimeout = 2 * time.Second

// Link owns the single line-oriented JSON connection to the player.
// Writes are serialized internally; reads belong to exactly one caller
// at a time (the assembler once it starts, or Query before that).
type Link struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *zap.Logger
}

// command is the outbound wire format: {"command":[...],"request_id":N}.
type command struct {
	Command   []any  `json:"command"`
	RequestID uint64 `json:"request_id,omitempty"`
}

// Response is one parsed inbound line. A line is either an asynchronous
// event or a reply to a get_property command; a reply succeeded iff
// Error == "success".
type Response struct {
	RequestID *uint64         `json:"request_id"`
	Event     string          `json:"event"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
}

// Dial connects to the player's IPC socket.
func Dial(socketPath string, logger *zap.Logger) (*Link, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing player socket %s: %w", socketPath, err)
	}
	return NewLink(conn, logger), nil
}

// NewLink wraps an established connection. Split out from Dial so tests
// can drive the link over a pipe.
func NewLink(conn net.Conn, logger *zap.Logger) *Link {
	return &Link{
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger,
	}
}

// Close closes the underlying connection, unblocking any pending read.
func (l *Link) Close() error {
	return l.conn.Close()
}

func (l *Link) send(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.conn.Write(data); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

// Observe asks the player to push change events for the named property.
func (l *Link) Observe(property string) error {
	return l.send(command{Command: []any{"observe_property", 1, property}})
}

// Get issues a get_property command tagged with requestID without
// waiting for the reply. The reply surfaces later through ReadResponse.
func (l *Link) Get(property string, requestID uint64) error {
	return l.send(command{Command: []any{"get_property", property}, RequestID: requestID})
}

// ReadResponse blocks until the next line arrives and returns it parsed.
// Returns ErrConnClosed once the stream ends. Malformed lines are
// skipped, not fatal.
func (l *Link) ReadResponse() (*Response, error) {
	for {
		line, err := l.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil, ErrConnClosed
			}
			return nil, fmt.Errorf("reading from player: %w", err)
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			l.logger.Debug("skipping unparseable line from player", zap.Error(err))
			continue
		}
		return &resp, nil
	}
}

// Query sends a get_property command and waits for the matching reply.
// Lines read while waiting are dropped, which is only acceptable because
// queries are never pipelined: Query is used solely during the startup
// handshake, before the assembler owns the read side. Fails with
// ErrTimeout if no matching reply arrives in time and ErrConnClosed on
// end-of-file.
func (l *Link) Query(property string, requestID uint64, timeout time.Duration) (*Response, error) {
	if err := l.Get(property, requestID); err != nil {
		return nil, err
	}

	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}
	defer l.conn.SetReadDeadline(time.Time{})

	for {
		resp, err := l.ReadResponse()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("%w: property %q", ErrTimeout, property)
			}
			return nil, err
		}
		if resp.RequestID != nil && *resp.RequestID == requestID {
			return resp, nil
		}
		l.logger.Debug("dropping line while waiting for query reply",
			zap.String("property", property),
			zap.Uint64("requestID", requestID),
		)
	}
}

// Pid resolves the player's process id via the "pid" property, falling
// back to "process-id" under a fresh request id if the first query
// fails.
func (l *Link) Pid(timeout time.Duration) (int, error) {
	resp, err := l.Query("pid", 1, timeout)
	if err != nil {
		l.logger.Debug("pid query failed, retrying via process-id", zap.Error(err))
		resp, err = l.Query("process-id", 2, timeout)
		if err != nil {
			return 0, err
		}
	}
	if resp.Error != "success" {
		return 0, fmt.Errorf("player returned error querying pid: %s", resp.Error)
	}

	var pid int
	if err := json.Unmarshal(resp.Data, &pid); err != nil || pid <= 0 {
		return 0, fmt.Errorf("player returned non-integer pid: %s", resp.Data)
	}
	return pid, nil
}

// VerifyPid is the startup guard: it resolves the attached player's pid
// and fails with ErrPidMismatch if it differs from expected. Must run
// before the client listener opens.
func (l *Link) VerifyPid(expected int, timeout time.Duration) error {
	actual, err := l.Pid(timeout)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: expected=%d actual=%d", ErrPidMismatch, expected, actual)
	}
	l.logger.Info("player pid verified", zap.Int("pid", actual))
	return nil
}
