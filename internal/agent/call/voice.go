package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	logx "github.com/chative/agent-runtime/pkg/logger"
)

var ErrVoiceClosed = errors.New("voice connection closed")

const (
	VoiceEventTranscript = "transcript"
	VoiceEventError      = "error"
	VoiceEventClosed     = "closed"
)

// VoiceEvent is one frame received from the voice provider.
type VoiceEvent struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`
}

type voiceFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// VoiceConnection is a live bidirectional link to the speech provider.
type VoiceConnection interface {
	SendAudio(ctx context.Context, chunk []byte) error
	SendText(ctx context.Context, text string) error
	Events() <-chan VoiceEvent
	Close() error
}

// Dialer opens a voice connection for a call session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (VoiceConnection, error)
}

// WebSocketDialer connects to a speech gateway speaking JSON text frames for
// control and binary frames for audio.
type WebSocketDialer struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context, sessionID string) (VoiceConnection, error) {
	if d.URL == "" {
		return nil, errors.New("voice gateway url is not configured")
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	header := http.Header{}
	if d.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.APIKey)
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial voice gateway: %w", err)
	}

	vc := &wsVoiceConn{
		conn:   conn,
		events: make(chan VoiceEvent, 32),
		done:   make(chan struct{}),
		log:    logx.Component("voice").With().Str("session_id", sessionID).Logger(),
	}
	if err := vc.writeJSON(voiceFrame{Type: "start", SessionID: sessionID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("start voice session: %w", err)
	}
	go vc.readLoop()
	return vc, nil
}

type wsVoiceConn struct {
	conn   *websocket.Conn
	writeM sync.Mutex
	events chan VoiceEvent
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func (c *wsVoiceConn) Events() <-chan VoiceEvent { return c.events }

func (c *wsVoiceConn) SendAudio(ctx context.Context, chunk []byte) error {
	return c.write(ctx, websocket.BinaryMessage, chunk)
}

func (c *wsVoiceConn) SendText(ctx context.Context, text string) error {
	b, err := json.Marshal(voiceFrame{Type: "speak", Text: text})
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.TextMessage, b)
}

func (c *wsVoiceConn) writeJSON(v any) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsVoiceConn) write(ctx context.Context, kind int, data []byte) error {
	select {
	case <-c.done:
		return ErrVoiceClosed
	default:
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(kind, data)
}

func (c *wsVoiceConn) readLoop() {
	defer close(c.events)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Warn().Err(err).Msg("Voice connection read failed")
				}
				c.deliver(VoiceEvent{Type: VoiceEventClosed})
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var ev VoiceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug().Err(err).Msg("Ignoring malformed voice frame")
			continue
		}
		if !c.deliver(ev) {
			return
		}
	}
}

func (c *wsVoiceConn) deliver(ev VoiceEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsVoiceConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeM.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeM.Unlock()
		err = c.conn.Close()
	})
	return err
}
