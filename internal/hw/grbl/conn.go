package grbl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
	bugst "go.bug.st/serial"

	"github.com/cjeanneret/RingScan/internal/debug"
)

// Realtime command bytes. They are acted on immediately by the controller
// and never acknowledged with "ok".
const (
	RTStatus     = '?'
	RTFeedHold   = '!'
	RTCycleStart = '~'
	RTJogCancel  = 0x85
	RTSoftReset  = 0x18
)

const defaultReplyTimeout = 5 * time.Second

// Conn is a line-oriented link to a GRBL controller.
// Send and Status are safe for concurrent use; each holds the link until
// the full reply to its command has been read.
type Conn struct {
	mu           sync.Mutex
	rw           io.ReadWriteCloser
	r            *bufio.Reader
	closed       bool
	ReplyTimeout time.Duration

	stateMu   sync.Mutex
	lastAlarm *AlarmError
	wco       [3]float64
	haveWCO   bool
}

// NewConn wraps an already open stream.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{
		rw:           rw,
		r:            bufio.NewReader(rw),
		ReplyTimeout: defaultReplyTimeout,
	}
}

// OpenSerial opens port at baud, retrying with exponential backoff within
// the given budget. The controller is woken up and its banner discarded.
func OpenSerial(port string, baud int, budget time.Duration) (*Conn, error) {
	var sp *serial.Port
	op := func() error {
		var err error
		sp, err = serial.OpenPort(&serial.Config{
			Name:        port,
			Baud:        baud,
			ReadTimeout: 100 * time.Millisecond,
		})
		if err != nil {
			debug.Verbose("open %s failed: %v", port, err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      budget,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", port, err)
	}

	c := NewConn(sp)
	if err := c.Wake(2 * time.Second); err != nil {
		_ = sp.Close()
		return nil, err
	}
	if err := sp.Flush(); err != nil {
		debug.Verbose("flush %s: %v", port, err)
	}
	debug.Info("Connected to GRBL on %s @ %d baud", port, baud)
	return c, nil
}

// ListPorts enumerates serial ports present on the host.
func ListPorts() ([]string, error) {
	return bugst.GetPortsList()
}

// Wake sends the wake-up sequence and discards the startup banner.
func (c *Conn) Wake(wait time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write([]byte("\r\n\r\n")); err != nil {
		return err
	}
	time.Sleep(wait)
	c.r.Reset(c.rw)
	return nil
}

// Close releases the underlying stream. Pending readers return ErrClosed.
func (c *Conn) Close() error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	c.stateMu.Unlock()
	return c.rw.Close()
}

func (c *Conn) isClosed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closed
}

// LastAlarm returns the most recent alarm seen on the link, if any.
func (c *Conn) LastAlarm() *AlarmError {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastAlarm
}

// ClearAlarm forgets the last alarm, e.g. after an unlock.
func (c *Conn) ClearAlarm() {
	c.stateMu.Lock()
	c.lastAlarm = nil
	c.stateMu.Unlock()
}

func (c *Conn) recordAlarm(a *AlarmError) {
	c.stateMu.Lock()
	c.lastAlarm = a
	c.stateMu.Unlock()
	debug.Info("GRBL alarm: %v", a)
}

func (c *Conn) write(b []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.rw == nil {
		return ErrNotConnected
	}
	debug.Serial(">", strings.TrimSpace(string(b)))
	_, err := c.rw.Write(b)
	return err
}

func (c *Conn) readLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var sb strings.Builder
	for {
		if c.isClosed() {
			return "", ErrClosed
		}
		s, err := c.r.ReadString('\n')
		sb.WriteString(s)
		if err == nil {
			line := strings.TrimSpace(sb.String())
			if line == "" {
				sb.Reset()
				continue
			}
			debug.Serial("<", line)
			return line, nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrNoProgress) {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", ErrTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Send writes one command line and reads until its "ok" or "error:n".
// Informational lines received before the acknowledgement are returned.
func (c *Conn) Send(cmd string) ([]string, error) {
	return c.SendTimeout(cmd, c.ReplyTimeout)
}

// SendTimeout is Send with an explicit reply budget, for slow commands such as $H.
func (c *Conn) SendTimeout(cmd string, timeout time.Duration) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write([]byte(cmd + "\n")); err != nil {
		return nil, fmt.Errorf("send %q: %w", cmd, err)
	}
	var info []string
	for {
		line, err := c.readLine(timeout)
		if err != nil {
			return info, fmt.Errorf("reply to %q: %w", cmd, err)
		}
		switch {
		case line == "ok":
			return info, nil
		case strings.HasPrefix(line, "error:"):
			code, _ := ParseError(line)
			return info, &CommandError{Command: cmd, Code: code}
		case strings.HasPrefix(line, "ALARM:"):
			if a, ok := ParseAlarm(line); ok {
				c.recordAlarm(a)
				return info, a
			}
		case strings.HasPrefix(line, "<"):
			// a stray status report, not ours
		default:
			info = append(info, line)
		}
	}
}

// Status sends a "?" and returns the next status report.
func (c *Conn) Status() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write([]byte{RTStatus}); err != nil {
		return Status{}, err
	}
	for {
		line, err := c.readLine(c.ReplyTimeout)
		if err != nil {
			return Status{}, err
		}
		if a, ok := ParseAlarm(line); ok {
			c.recordAlarm(a)
			continue
		}
		if strings.HasPrefix(line, "<") {
			st, err := ParseStatus(line)
			if err != nil {
				return Status{}, err
			}
			c.resolveOffset(&st)
			return st, nil
		}
		// late "ok" or a message, skip
	}
}

// resolveOffset remembers the work offset of st, or applies the last one
// to a machine-only report. Before any offset has been seen the machine
// position is returned as is.
func (c *Conn) resolveOffset(st *Status) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if st.HasWCO {
		c.wco, c.haveWCO = st.WCO, true
	}
	if st.MachineOnly && c.haveWCO {
		st.ApplyOffset(c.wco)
	}
}

// WorkOffset returns the last work coordinate offset reported.
func (c *Conn) WorkOffset() ([3]float64, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.wco, c.haveWCO
}

// Realtime writes a single realtime byte without waiting for a reply.
func (c *Conn) Realtime(b byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write([]byte{b})
}
