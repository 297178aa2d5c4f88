package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bardlex/orepool/pkg/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []Message
	closed   int
	reply    func(s *Session, msg Message)
}

func (h *recordingHandler) HandleMessage(_ context.Context, s *Session, msg Message) error {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	if h.reply != nil {
		h.reply(s, msg)
	}
	return nil
}

func (h *recordingHandler) HandleClose(*Session) {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() ([]Message, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.messages...), h.closed
}

func startSession(t *testing.T, handler Handler) (*Session, net.Conn, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	s := NewSession("s1", NewLineConn(server, 4096), log.Nop(), time.Second, time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background(), handler) }()
	return s, client, errCh
}

func readFrame(t *testing.T, r *bufio.Reader, conn net.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(line, &out); err != nil {
		t.Fatalf("invalid frame %q: %v", line, err)
	}
	return out
}

func TestSession_DeliversMessagesInOrder(t *testing.T) {
	handler := &recordingHandler{
		reply: func(s *Session, msg Message) {
			if reg, ok := msg.(*Register); ok {
				_ = s.Send(&Registered{IsValidator: reg.Address == "V1"})
			}
		},
	}
	_, client, errCh := startSession(t, handler)
	reader := bufio.NewReader(client)

	_, err := client.Write([]byte(`{"type":"register","address":"V1"}` + "\n"))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	reply := readFrame(t, reader, client)
	if reply["type"] != "registered" || reply["isValidator"] != true {
		t.Errorf("unexpected reply %v", reply)
	}

	_, _ = client.Write([]byte(`{"type":"submit_hash","hash":"a","difficulty":1}` + "\n\n"))
	_, _ = client.Write([]byte(`{"type":"submit_hash","hash":"b","difficulty":2}` + "\n"))

	deadline := time.Now().Add(time.Second)
	for {
		msgs, _ := handler.snapshot()
		if len(msgs) == 3 {
			if msgs[1].(*SubmitHash).Hash != "a" || msgs[2].(*SubmitHash).Hash != "b" {
				t.Errorf("messages out of order: %+v", msgs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 messages, got %d", len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = client.Close()
	if err := <-errCh; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if _, closed := handler.snapshot(); closed != 1 {
		t.Errorf("HandleClose called %d times, want 1", closed)
	}
}

func TestSession_DecodeErrorKeepsConnectionOpen(t *testing.T) {
	handler := &recordingHandler{}
	s, client, errCh := startSession(t, handler)
	reader := bufio.NewReader(client)

	_, _ = client.Write([]byte("not json\n"))
	reply := readFrame(t, reader, client)
	if reply["type"] != "error" || reply["message"] != MsgInvalidFormat {
		t.Errorf("unexpected reply %v", reply)
	}

	_, _ = client.Write([]byte(`{"type":"bogus"}` + "\n"))
	reply = readFrame(t, reader, client)
	if reply["message"] != `Unknown message type: "bogus"` {
		t.Errorf("unexpected reply %v", reply)
	}

	s.Close()
	_ = client.Close()
	if err := <-errCh; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if msgs, _ := handler.snapshot(); len(msgs) != 0 {
		t.Errorf("handler should not see undecodable frames, got %d", len(msgs))
	}
}

func TestSession_SendAfterClose(t *testing.T) {
	s, client, errCh := startSession(t, &recordingHandler{})

	s.Close()
	<-errCh
	_ = client.Close()

	if err := s.Send(NewError("late")); err != ErrSessionClosed {
		t.Errorf("Send() after close = %v, want ErrSessionClosed", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() should be closed")
	}
}

func TestSession_SendNeverBlocks(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := NewSession("s2", NewLineConn(server, 4096), log.Nop(), 0, 0)

	// No writer is running, so the queue fills up.
	var err error
	for range outboundBuffer + 1 {
		err = s.Send(NewError("x"))
	}
	if err != ErrOutboundFull {
		t.Errorf("Send() on full queue = %v, want ErrOutboundFull", err)
	}
	s.Close()
	_ = server.Close()
}

func TestSession_Address(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()
	s := NewSession("s3", NewLineConn(server, 4096), log.Nop(), 0, 0)

	if prev := s.SetAddress("M1"); prev != "" {
		t.Errorf("SetAddress() previous = %q, want empty", prev)
	}
	if prev := s.SetAddress("M2"); prev != "M1" {
		t.Errorf("SetAddress() previous = %q, want M1", prev)
	}
	if s.Address() != "M2" {
		t.Errorf("Address() = %q, want M2", s.Address())
	}
}
