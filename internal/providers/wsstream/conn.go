// Package wsstream runs the websocket plumbing shared by streaming
// transcription providers: a read loop that decodes backend messages into
// domain events and a write loop that forwards audio and finishes with a
// provider specific end-of-stream message. Protocol details live in the
// provider packages.
package wsstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxloop/internal/domain"
	"voxloop/internal/logger"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteWait        = 5 * time.Second
	DefaultMaxMessageSize   = 4 * 1024 * 1024
	DefaultCloseGracePeriod = time.Second

	eventBuffer = 64
	audioBuffer = 32
)

// ErrSendClosed is returned when audio is sent after end-of-stream.
var ErrSendClosed = errors.New("audio stream is already closed")

// Decoder turns one backend message into a domain event. ok=false skips
// the message.
type Decoder func(messageType int, payload []byte) (event domain.TranscriptionEvent, ok bool, err error)

// Message is a raw websocket frame.
type Message struct {
	Type int
	Data []byte
}

// Protocol describes a provider's wire format.
type Protocol struct {
	Name   string
	Decode Decoder
	// EncodeAudio converts s16le PCM to the provider wire format. Nil sends it as is.
	EncodeAudio func(pcm []byte) []byte
	// EndOfStream is written after the last audio frame.
	EndOfStream Message
}

// DialConfig controls the websocket handshake.
type DialConfig struct {
	URL            string
	Headers        http.Header
	DialTimeout    time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

// Dial opens a websocket and starts the read and write loops.
func Dial(ctx context.Context, cfg DialConfig, protocol Protocol) (*Conn, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s websocket (status %d): %w", protocol.Name, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s websocket: %w", protocol.Name, err)
	}
	ws.SetReadLimit(cfg.MaxMessageSize)

	return newConn(ws, cfg.WriteWait, protocol), nil
}

// Conn is one open provider connection.
type Conn struct {
	ws        *websocket.Conn
	protocol  Protocol
	writeWait time.Duration
	log       *slog.Logger

	events    chan domain.TranscriptionEvent
	audio     chan []byte
	closing   chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}
	done      chan struct{}

	wg      sync.WaitGroup
	writeMu sync.Mutex

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func newConn(ws *websocket.Conn, writeWait time.Duration, protocol Protocol) *Conn {
	c := &Conn{
		ws:        ws,
		protocol:  protocol,
		writeWait: writeWait,
		log:       logger.With("component", "transport", "provider", protocol.Name),
		events:    make(chan domain.TranscriptionEvent, eventBuffer),
		audio:     make(chan []byte, audioBuffer),
		closing:   make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	go func() {
		c.wg.Wait()
		close(c.events)
		close(c.done)
		_ = ws.Close()
	}()

	return c
}

// WriteText writes a text frame outside the audio queue, e.g. configuration.
func (c *Conn) WriteText(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

// Inject queues a locally synthesized event ahead of later backend messages.
func (c *Conn) Inject(event domain.TranscriptionEvent) {
	c.emit(event)
}

// SendAudio queues PCM for the write loop.
func (c *Conn) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.sendClosed {
		return ErrSendClosed
	}

	var payload []byte
	if c.protocol.EncodeAudio != nil {
		payload = c.protocol.EncodeAudio(pcm)
	} else {
		payload = append([]byte(nil), pcm...)
	}

	select {
	case c.audio <- payload:
		return nil
	case <-c.closing:
		return ErrSendClosed
	case <-c.writeDone:
		if err := c.waitErr(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

// SendEndOfStream flushes queued audio, writes the end-of-stream message
// and waits for the write loop to finish.
func (c *Conn) SendEndOfStream() error {
	c.closeSend()
	select {
	case <-c.writeDone:
	case <-c.done:
	}
	return c.waitErr()
}

// Recv returns the next decoded event. io.EOF means the backend closed cleanly.
func (c *Conn) Recv() (domain.TranscriptionEvent, error) {
	event, ok := <-c.events
	if !ok {
		if err := c.waitErr(); err != nil {
			return domain.TranscriptionEvent{}, err
		}
		return domain.TranscriptionEvent{}, io.EOF
	}
	return event, nil
}

// Done is closed once both loops have exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame, tears down the socket and waits for the loops.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.closeSend()

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(DefaultCloseGracePeriod))
		c.writeMu.Unlock()

		_ = c.ws.Close()
	})
	<-c.done
	return c.waitErr()
}

func (c *Conn) closeSend() {
	c.closeSendOnce.Do(func() {
		c.sendMu.Lock()
		c.sendClosed = true
		close(c.audio)
		c.sendMu.Unlock()
	})
}

func (c *Conn) write(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(messageType, payload)
}

func (c *Conn) waitErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	defer close(c.writeDone)

	for {
		select {
		case chunk, ok := <-c.audio:
			if !ok {
				c.writeEndOfStream()
				return
			}
			if err := c.write(websocket.BinaryMessage, chunk); err != nil {
				c.setErr(fmt.Errorf("failed to send audio: %w", err))
				return
			}
		case <-c.readDone:
			return
		}
	}
}

func (c *Conn) writeEndOfStream() {
	select {
	case <-c.closing:
		return
	default:
	}

	eos := c.protocol.EndOfStream
	if eos.Type == 0 {
		return
	}
	if err := c.write(eos.Type, eos.Data); err != nil {
		c.setErr(fmt.Errorf("failed to close stream: %w", err))
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.readDone)

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.setErr(fmt.Errorf("failed to read provider event: %w", err))
			}
			return
		}

		event, ok, err := c.protocol.Decode(messageType, payload)
		if err != nil {
			c.log.Debug("skipping undecodable message", "error", err, "bytes", len(payload))
			continue
		}
		if !ok {
			continue
		}
		c.emit(event)
	}
}

func (c *Conn) emit(event domain.TranscriptionEvent) {
	select {
	case c.events <- event:
	case <-c.closing:
	}
}
