package rtsp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/camstream/internal/framepool"
	"github.com/dj-oyu/camstream/internal/rtpjpeg"
)

const (
	allowedMethods = "OPTIONS, DESCRIBE, SETUP, PLAY, PAUSE, TEARDOWN, GET_PARAMETER, SET_PARAMETER"
	sessionTimeout = 60
	maxBodySize    = 64 * 1024
)

var errTeardown = errors.New("rtsp: teardown")

type request struct {
	method string
	url    string
	cseq   string
	header textproto.MIMEHeader
}

type conn struct {
	s  *Server
	nc net.Conn
	br *bufio.Reader
	tp *textproto.Reader

	wmu sync.Mutex // guards writes on nc, shared by responses and RTP

	mu      sync.Mutex
	session string
	channel uint8
	pk      *rtpjpeg.Packetizer // session lifetime; seq and rtptime continue across PAUSE
	playing bool
	stop    context.CancelFunc
	done    chan struct{}
}

func newConn(s *Server, nc net.Conn) *conn {
	br := bufio.NewReader(nc)
	return &conn{s: s, nc: nc, br: br, tp: textproto.NewReader(br)}
}

// reject answers the first request with 503 and hangs up.
func (c *conn) reject() {
	defer c.nc.Close()
	_ = c.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	req, err := c.readRequest()
	if err != nil {
		return
	}
	c.s.log.Warn("rejecting %s, another client is connected", c.nc.RemoteAddr())
	_ = c.respond(req, "503 Service Unavailable", nil, nil)
}

func (c *conn) serve(ctx context.Context) {
	remote := c.nc.RemoteAddr().String()
	c.s.log.Info("client connected: %s", remote)
	c.s.metrics.RTSPClients.Store(1)
	defer func() {
		c.stopPlay()
		_ = c.nc.Close()
		c.s.metrics.RTSPClients.Store(0)
		c.s.log.Info("client disconnected: %s", remote)
	}()

	for {
		req, err := c.readRequest()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.s.log.Debug("read from %s: %v", remote, err)
			}
			return
		}
		c.s.log.Debug("%s %s CSeq=%s", req.method, req.url, req.cseq)

		if err := c.handle(ctx, req); err != nil {
			if !errors.Is(err, errTeardown) {
				c.s.log.Debug("write to %s: %v", remote, err)
			}
			return
		}
	}
}

// readRequest reads the next request, discarding interleaved data the client
// sends in between (RTCP receiver reports).
func (c *conn) readRequest() (*request, error) {
	for {
		b, err := c.br.Peek(1)
		if err != nil {
			return nil, err
		}
		if b[0] != '$' {
			break
		}
		var hdr [4]byte
		if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
			return nil, err
		}
		if _, err := c.br.Discard(int(binary.BigEndian.Uint16(hdr[2:]))); err != nil {
			return nil, err
		}
	}

	line, err := c.tp.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "RTSP/") {
		return nil, fmt.Errorf("rtsp: malformed request line %q", line)
	}
	header, err := c.tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	if n, _ := strconv.Atoi(header.Get("Content-Length")); n > 0 {
		if n > maxBodySize {
			return nil, fmt.Errorf("rtsp: body of %d bytes too large", n)
		}
		if _, err := c.br.Discard(n); err != nil {
			return nil, err
		}
	}

	return &request{method: parts[0], url: parts[1], cseq: header.Get("CSeq"), header: header}, nil
}

func (c *conn) handle(ctx context.Context, req *request) error {
	switch req.method {
	case "OPTIONS":
		return c.respond(req, "200 OK", [][2]string{{"Public", allowedMethods}}, nil)
	case "DESCRIBE":
		return c.handleDescribe(req)
	case "SETUP":
		return c.handleSetup(req)
	case "PLAY":
		return c.handlePlay(ctx, req)
	case "PAUSE":
		if !c.checkSession(req) {
			return c.respond(req, "454 Session Not Found", nil, nil)
		}
		c.stopPlay()
		return c.respond(req, "200 OK", c.sessionHeader(), nil)
	case "TEARDOWN":
		c.stopPlay()
		if err := c.respond(req, "200 OK", nil, nil); err != nil {
			return err
		}
		return errTeardown
	case "GET_PARAMETER", "SET_PARAMETER":
		return c.respond(req, "200 OK", c.sessionHeader(), nil)
	default:
		return c.respond(req, "405 Method Not Allowed", [][2]string{{"Allow", allowedMethods}}, nil)
	}
}

func (c *conn) handleDescribe(req *request) error {
	body, err := describe(c.nc.LocalAddr(), c.s.opts.Width, c.s.opts.Height)
	if err != nil {
		c.s.log.Error("failed to build SDP: %v", err)
		return c.respond(req, "500 Internal Server Error", nil, nil)
	}
	base := req.url
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return c.respond(req, "200 OK", [][2]string{
		{"Content-Base", base},
		{"Content-Type", "application/sdp"},
	}, body)
}

func (c *conn) handleSetup(req *request) error {
	transport := req.header.Get("Transport")
	if !strings.Contains(transport, "RTP/AVP/TCP") {
		c.s.log.Warn("unsupported transport %q, only interleaved TCP is served", transport)
		return c.respond(req, "461 Unsupported Transport", nil, nil)
	}

	channel := uint8(0)
	if lo, ok := interleavedChannel(transport); ok {
		channel = lo
	}

	c.mu.Lock()
	if c.session == "" {
		c.session = uuid.NewString()
	} else if id := sessionID(req.header.Get("Session")); id != "" && id != c.session {
		c.mu.Unlock()
		return c.respond(req, "454 Session Not Found", nil, nil)
	}
	c.channel = channel
	session := c.session
	c.mu.Unlock()

	return c.respond(req, "200 OK", [][2]string{
		{"Transport", fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", channel, channel+1)},
		{"Session", fmt.Sprintf("%s;timeout=%d", session, sessionTimeout)},
	}, nil)
}

func (c *conn) handlePlay(ctx context.Context, req *request) error {
	if !c.checkSession(req) {
		return c.respond(req, "454 Session Not Found", nil, nil)
	}
	pk := c.packetizer()
	headers := append(c.sessionHeader(),
		[2]string{"Range", "npt=0.000-"},
		[2]string{"RTP-Info", fmt.Sprintf("url=%s;seq=%d", req.url, pk.Sequence())},
	)
	if err := c.respond(req, "200 OK", headers, nil); err != nil {
		return err
	}
	c.startPlay(ctx, pk)
	return nil
}

// packetizer returns the session's packetizer, creating it on first use.
func (c *conn) packetizer() *rtpjpeg.Packetizer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pk == nil {
		c.pk = rtpjpeg.New(rtpjpeg.Options{Channel: c.channel, Log: c.s.log})
	} else {
		c.pk.SetChannel(c.channel)
	}
	return c.pk
}

func (c *conn) checkSession(req *request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != "" && sessionID(req.header.Get("Session")) == c.session
}

func (c *conn) sessionHeader() [][2]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == "" {
		return nil
	}
	return [][2]string{{"Session", c.session}}
}

func (c *conn) respond(req *request, status string, headers [][2]string, body []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "RTSP/1.0 %s\r\n", status)
	fmt.Fprintf(&b, "CSeq: %s\r\n", req.cseq)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format("Mon, Jan 02 2006 15:04:05 GMT"))
	b.WriteString("Server: camstream\r\n")
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	if len(body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.Write(body)
	return c.write([]byte(b.String()))
}

func (c *conn) write(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.s.opts.WriteTimeout))
	_, err := c.nc.Write(p)
	return err
}

func (c *conn) startPlay(parent context.Context, pk *rtpjpeg.Packetizer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.playing = true
	c.stop = cancel
	c.done = make(chan struct{})
	go c.push(ctx, pk, c.done)
}

func (c *conn) stopPlay() {
	c.mu.Lock()
	cancel, done := c.stop, c.done
	c.playing = false
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *conn) isPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

func (c *conn) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{Remote: c.nc.RemoteAddr().String(), Session: c.session, Playing: c.playing}
}

func (c *conn) close() {
	_ = c.nc.Close()
}

// push sends one RTP/JPEG frame per acquired buffer until ctx is done or the
// connection fails.
func (c *conn) push(ctx context.Context, pk *rtpjpeg.Packetizer, done chan struct{}) {
	defer close(done)

	consumer := c.s.pool.NewConsumer("rtsp", c.s.opts.Interval)
	defer consumer.Release()
	m := c.s.metrics

	emit := func(pkt []byte) error {
		if err := c.write(pkt); err != nil {
			return err
		}
		m.RTPPackets.Add(1)
		m.RTPBytes.Add(uint64(len(pkt)))
		return nil
	}

	for {
		fb, err := consumer.Acquire(ctx, true)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, framepool.ErrBufferUnavailable) {
				wait := consumer.Until()
				if wait < time.Millisecond {
					wait = time.Millisecond
				}
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		seq := fb.Seq
		err = pk.PushJPEG(fb.Data, fb.Width, fb.Height, emit)
		consumer.Release()
		switch {
		case err == nil:
			m.RTPFrames.Add(1)
		case errors.Is(err, rtpjpeg.ErrDecodeFailed):
			m.DecodeFailures.Add(1)
			c.s.log.Warn("dropping frame %d: %v", seq, err)
		default:
			if ctx.Err() != nil {
				return
			}
			m.WriteFailures.Add(1)
			c.s.log.Warn("RTP write failed, closing client: %v", err)
			c.close()
			return
		}
	}
}

// sessionID strips parameters such as ";timeout=60" from a Session header.
func sessionID(v string) string {
	id, _, _ := strings.Cut(v, ";")
	return strings.TrimSpace(id)
}

// interleavedChannel extracts the RTP channel from "interleaved=a-b".
func interleavedChannel(transport string) (uint8, bool) {
	for _, p := range strings.Split(transport, ";") {
		v, ok := strings.CutPrefix(strings.TrimSpace(p), "interleaved=")
		if !ok {
			continue
		}
		lo, _, _ := strings.Cut(v, "-")
		n, err := strconv.ParseUint(lo, 10, 8)
		if err != nil {
			return 0, false
		}
		return uint8(n), true
	}
	return 0, false
}
