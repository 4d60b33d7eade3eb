package bidir

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/echobridge/echobridge/pkg/audio"
	"github.com/echobridge/echobridge/pkg/provider/tts"
	"github.com/echobridge/echobridge/pkg/types"
)

// Credentials identifies the application to the synthesis service.
type Credentials struct {
	AppKey     string
	AccessKey  string
	ResourceID string
}

// Client is a tts.Synthesizer holding one persistent upstream connection.
// It is not safe for concurrent use; the pool serializes access per slot.
type Client struct {
	url     string
	creds   Credentials
	uid     string
	speaker string
	timeout time.Duration
	logger  *slog.Logger

	conn *websocket.Conn
	enc  *audio.Encoder
}

// Option is a functional option for Client.
type Option func(*Client)

// WithSpeaker sets the default speaker used when the voice profile carries
// no speaker id.
func WithSpeaker(speaker string) Option {
	return func(c *Client) { c.speaker = speaker }
}

// WithTimeout bounds one segment round trip. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Dial connects to the synthesis service and performs the connection
// handshake. The returned Client is warmed and ready for Synthesize.
func Dial(ctx context.Context, url string, creds Credentials, opts ...Option) (*Client, error) {
	c := &Client{
		url:     url,
		creds:   creds,
		uid:     randomID(),
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}

	enc, err := audio.NewEncoder()
	if err != nil {
		return nil, err
	}
	c.enc = enc

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Factory returns a tts.Factory that dials one Client per pool slot.
func Factory(url string, creds Credentials, opts ...Option) tts.Factory {
	return func(ctx context.Context) (tts.Synthesizer, error) {
		return Dial(ctx, url, creds, opts...)
	}
}

// connect dials the websocket and runs StartConnection -> ConnectionStarted.
func (c *Client) connect(ctx context.Context) error {
	hdr := http.Header{}
	hdr.Set("X-Api-App-Key", c.creds.AppKey)
	hdr.Set("X-Api-Access-Key", c.creds.AccessKey)
	hdr.Set("X-Api-Resource-Id", c.creds.ResourceID)
	hdr.Set("X-Api-Connect-Id", randomID())

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: hdr,
	})
	if err != nil {
		return fmt.Errorf("bidir: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(10 << 20)

	if err := conn.Write(ctx, websocket.MessageBinary,
		MarshalClientFrame(EventStartConnection, "", []byte("{}"))); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("bidir: start connection: %w", err)
	}

	frame, err := c.readFrame(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("bidir: connection handshake: %w", err)
	}
	if frame.Event != EventConnectionStarted {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("bidir: connection refused: event %d meta %s", frame.Event, frame.Meta)
	}

	c.conn = conn
	return nil
}

func (c *Client) readFrame(ctx context.Context, conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	return UnmarshalServerFrame(data)
}

// Synthesize implements tts.Synthesizer. Each call is one session round
// trip with a fresh session id. A dead upstream connection is redialed once
// before the round is reported as failed.
func (c *Client) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Clip, error) {
	if text == "" {
		return tts.Clip{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	mp3Data, err := c.runSession(ctx, text, voice)
	if err != nil {
		c.logger.Warn("synthesis round failed, redialing upstream", "error", err)
		c.reset()
		if err := c.connect(ctx); err != nil {
			return tts.Clip{}, err
		}
		if mp3Data, err = c.runSession(ctx, text, voice); err != nil {
			return tts.Clip{}, err
		}
	}

	pcm, err := audio.DecodeMP3(mp3Data)
	if err != nil {
		return tts.Clip{}, err
	}
	frames, err := c.enc.EncodeFrames(pcm)
	if err != nil {
		return tts.Clip{}, err
	}
	return tts.Clip{Frames: frames}, nil
}

// runSession performs StartSession, TaskRequest, FinishSession and collects
// the audio payloads until the session finishes.
func (c *Client) runSession(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("bidir: upstream connection is closed")
	}
	speaker := voice.ID
	if speaker == "" {
		speaker = c.speaker
	}
	sessionID := randomID()

	startPayload := buildPayload(c.uid, EventStartSession, "", speaker)
	if err := c.conn.Write(ctx, websocket.MessageBinary,
		MarshalClientFrame(EventStartSession, sessionID, startPayload)); err != nil {
		return nil, fmt.Errorf("bidir: start session: %w", err)
	}
	frame, err := c.readFrame(ctx, c.conn)
	if err != nil {
		return nil, fmt.Errorf("bidir: await session start: %w", err)
	}
	if frame.Event != EventSessionStarted {
		return nil, fmt.Errorf("bidir: session refused: event %d meta %s", frame.Event, frame.Meta)
	}

	taskPayload := buildPayload(c.uid, EventTaskRequest, text, speaker)
	if err := c.conn.Write(ctx, websocket.MessageBinary,
		MarshalClientFrame(EventTaskRequest, sessionID, taskPayload)); err != nil {
		return nil, fmt.Errorf("bidir: send task: %w", err)
	}
	finishPayload := buildPayload(c.uid, EventFinishSession, "", speaker)
	if err := c.conn.Write(ctx, websocket.MessageBinary,
		MarshalClientFrame(EventFinishSession, sessionID, finishPayload)); err != nil {
		return nil, fmt.Errorf("bidir: finish session: %w", err)
	}

	var mp3Data []byte
	for {
		frame, err := c.readFrame(ctx, c.conn)
		if err != nil {
			return nil, fmt.Errorf("bidir: read session frame: %w", err)
		}
		switch {
		case frame.Type == MsgErrorInformation:
			return nil, fmt.Errorf("bidir: service error %d: %s", frame.ErrorCode, frame.Payload)
		case frame.Type == MsgAudioOnlyResponse && frame.Event == EventTTSResponse:
			mp3Data = append(mp3Data, frame.Payload...)
		case frame.Event == EventSentenceStart, frame.Event == EventSentenceEnd:
			// Sentence markers carry no audio.
		case frame.Event == EventSessionFinished:
			return mp3Data, nil
		case frame.Event == EventSessionFailed:
			return nil, fmt.Errorf("bidir: session failed: %s", frame.Meta)
		default:
			return nil, fmt.Errorf("bidir: unexpected frame: type %d event %d", frame.Type, frame.Event)
		}
	}
}

// reset drops the current connection without a close handshake.
func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close(websocket.StatusGoingAway, "reset")
		c.conn = nil
	}
}

// Close implements tts.Synthesizer. It attempts a clean FinishConnection
// before closing the socket.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.conn.Write(ctx, websocket.MessageBinary,
		MarshalClientFrame(EventFinishConnection, "", []byte("{}")))
	err := c.conn.Close(websocket.StatusNormalClosure, "done")
	c.conn = nil
	return err
}

// randomID produces a random 32-char hex string.
func randomID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Compile-time assertion that Client satisfies tts.Synthesizer.
var _ tts.Synthesizer = (*Client)(nil)
