package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"lighterprobe/logger"
	"lighterprobe/models"
)

const writeTimeout = 3 * time.Second

// BlockError is a connect failure with its connectivity classification.
// Callers use the verdict to decide whether the whole run must abort.
type BlockError struct {
	Verdict models.BlockVerdict
	Status  int
	Detail  string
}

func (e *BlockError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Verdict, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Verdict, e.Detail)
}

// Conn wraps one bidirectional websocket message channel. A Conn is owned
// by exactly one component; it is not safe for concurrent use.
type Conn struct {
	ws  *websocket.Conn
	log *logger.Log
}

// Dial establishes a websocket connection bounded by timeout. Failures come
// back as *BlockError: HTTP 403/451 handshake rejections read as geo blocks,
// other statuses as plain rejections, a silent timeout as a suspected geo
// block, and DNS or unreachable-network errors as network-level blocks.
func Dial(ctx context.Context, wsURL string, timeout time.Duration) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, classifyDialError(err, resp)
	}
	ws.SetReadLimit(32 << 20)

	return &Conn{ws: ws, log: logger.GetLogger()}, nil
}

func classifyDialError(err error, resp *http.Response) *BlockError {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusForbidden, http.StatusUnavailableForLegalReasons:
			return &BlockError{Verdict: models.BlockGeo, Status: resp.StatusCode, Detail: err.Error()}
		default:
			return &BlockError{Verdict: models.BlockRejected, Status: resp.StatusCode, Detail: err.Error()}
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &BlockError{Verdict: models.BlockGeoSuspected, Detail: err.Error()}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return &BlockError{Verdict: models.BlockNetwork, Detail: err.Error()}
	}

	return &BlockError{Verdict: models.BlockUnknown, Detail: err.Error()}
}

// ReadFrame reads and decodes one frame, bounded by the absolute deadline.
// A zero deadline blocks until a frame arrives or the connection closes.
func (c *Conn) ReadFrame(deadline time.Time) (models.Frame, error) {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return models.Frame{}, err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return models.Frame{}, err
	}
	return models.DecodeFrame(data)
}

// ReadRaw reads one message without decoding, bounded by the deadline.
func (c *Conn) ReadRaw(deadline time.Time) ([]byte, error) {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// WriteJSON sends one JSON message with a short write deadline.
func (c *Conn) WriteJSON(v interface{}) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// Pong answers a keepalive ping frame.
func (c *Conn) Pong() error {
	return c.WriteJSON(models.PongFrame())
}

// DrainHello consumes the connection-acknowledgment frame the venue sends
// after the handshake. A frame of a different type is a soft warning, not
// a failure.
func (c *Conn) DrainHello(timeout time.Duration) error {
	frame, err := c.ReadFrame(time.Now().Add(timeout))
	if err != nil {
		return fmt.Errorf("await connected frame: %w", err)
	}
	if frame.Kind != models.FrameConnected {
		c.log.WithComponent("stream").WithFields(logger.Fields{
			"type": frame.Type,
		}).Warn("unexpected first frame, expected connected")
	}
	return nil
}

// Close shuts the underlying websocket down.
func (c *Conn) Close() error {
	return c.ws.Close()
}
