package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/theshibabasement/maxun/pkg/models"
)

// Logger matches the service logging surface.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// wireMessage is the JSON envelope exchanged with the interpretation engine
// over a websocket. Command messages flow out, event messages flow in.
type wireMessage struct {
	Type     string          `json:"type"`
	Robot    *models.Robot   `json:"robot,omitempty"`
	PairIDs  []string        `json:"pair_ids,omitempty"`
	Message  string          `json:"message,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Mimetype string          `json:"mimetype,omitempty"`
	Data     []byte          `json:"data,omitempty"`
	PairID   string          `json:"pair_id,omitempty"`
	Outcome  Outcome         `json:"outcome,omitempty"`
}

// RemoteLauncher opens interpretation sessions against an engine process
// listening on a websocket endpoint. One connection carries one session.
type RemoteLauncher struct {
	url    string
	logger Logger
	dialer *websocket.Dialer
}

func NewRemoteLauncher(url string, logger Logger) *RemoteLauncher {
	return &RemoteLauncher{
		url:    url,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

func (l *RemoteLauncher) Launch(ctx context.Context, robot models.Robot) (Session, error) {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial engine at %s", l.url)
	}
	if err := conn.WriteJSON(wireMessage{Type: "start", Robot: &robot}); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "start session for robot %s", robot.ID)
	}

	session := &remoteSession{
		conn:   conn,
		logger: l.logger,
		events: make(chan Event, 64),
	}
	go session.readLoop()
	return session, nil
}

// remoteSession translates Session commands into wire messages and the
// engine's wire messages back into events. The read loop is the only reader;
// writes are serialized by the mutex.
type remoteSession struct {
	logger Logger
	events chan Event

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *remoteSession) Pause()  { s.send(wireMessage{Type: "pause"}) }
func (s *remoteSession) Resume() { s.send(wireMessage{Type: "resume"}) }
func (s *remoteSession) Step()   { s.send(wireMessage{Type: "step"}) }

func (s *remoteSession) SetBreakpoints(ids []string) {
	s.send(wireMessage{Type: "breakpoints", PairIDs: ids})
}

func (s *remoteSession) Abort() { s.send(wireMessage{Type: "abort"}) }

func (s *remoteSession) Events() <-chan Event { return s.events }

func (s *remoteSession) send(msg wireMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Errorf("Failed to send %s to engine: %v", msg.Type, err)
	}
}

// readLoop pumps wire messages into the event channel until the connection
// drops or the engine reports completion. Closing the channel is the
// teardown acknowledgement the orchestrator waits on.
func (s *remoteSession) readLoop() {
	defer close(s.events)
	defer s.conn.Close()
	for {
		var msg wireMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Errorf("Engine connection dropped: %v", err)
			}
			return
		}
		switch msg.Type {
		case "log":
			s.events <- Event{Kind: LogEvent, Message: msg.Message, IsError: msg.IsError, PairID: msg.PairID}
		case "debug":
			s.events <- Event{Kind: DebugEvent, Message: msg.Message, PairID: msg.PairID}
		case "serializable":
			s.events <- Event{Kind: SerializableEvent, Key: msg.Key, Value: msg.Value, PairID: msg.PairID}
		case "binary":
			s.events <- Event{Kind: BinaryEvent, Key: msg.Key, Mimetype: msg.Mimetype, Data: msg.Data, PairID: msg.PairID}
		case "finished":
			s.events <- Event{Kind: FinishedEvent, Outcome: msg.Outcome}
			return
		default:
			s.logger.Errorf("Unknown engine message type %q", msg.Type)
		}
	}
}
