package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// collectSender records sent frames and exposes them to the test.
type collectSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *collectSender) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *collectSender) lastRequest(t *testing.T) Request {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		t.Fatal("no frames sent")
	}
	var req Request
	if err := json.Unmarshal(s.frames[len(s.frames)-1], &req); err != nil {
		t.Fatalf("unmarshal sent frame: %v", err)
	}
	return req
}

func TestCallResolved(t *testing.T) {
	t.Parallel()

	sender := &collectSender{}
	ch := NewChannel(sender.send, zerolog.Nop())

	done := make(chan struct{})
	var resp *Response
	var callErr error
	go func() {
		defer close(done)
		resp, callErr = ch.Call(context.Background(), "lock", nil, time.Second)
	}()

	// Wait for the request frame to be sent, then resolve it.
	var req Request
	for i := 0; ; i++ {
		sender.mu.Lock()
		n := len(sender.frames)
		sender.mu.Unlock()
		if n > 0 {
			req = sender.lastRequest(t)
			break
		}
		if i > 100 {
			t.Fatal("request frame never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if req.JSONRPC != Version || req.Method != "lock" {
		t.Errorf("request = %+v, want jsonrpc 2.0 lock", req)
	}

	if err := ch.Resolve(&Response{JSONRPC: Version, ID: req.ID, Result: json.RawMessage("true")}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	<-done
	if callErr != nil {
		t.Fatalf("Call() error = %v", callErr)
	}
	if string(resp.Result) != "true" {
		t.Errorf("Result = %s, want true", resp.Result)
	}
	if got := ch.Outstanding(); got != 0 {
		t.Errorf("Outstanding() = %d after resolve, want 0", got)
	}
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()

	sender := &collectSender{}
	ch := NewChannel(sender.send, zerolog.Nop())

	_, err := ch.Call(context.Background(), "lock", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}
	if got := ch.Outstanding(); got != 0 {
		t.Errorf("Outstanding() = %d after timeout, want 0", got)
	}
}

func TestCallCancelled(t *testing.T) {
	t.Parallel()

	sender := &collectSender{}
	ch := NewChannel(sender.send, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := ch.Call(ctx, "unlock", nil, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Call() error = %v, want context.Canceled", err)
	}
	// Abandoning the call must not leak the pending entry.
	if got := ch.Outstanding(); got != 0 {
		t.Errorf("Outstanding() = %d after cancellation, want 0", got)
	}
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	t.Parallel()

	sender := &collectSender{}
	ch := NewChannel(sender.send, zerolog.Nop())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := ch.Call(context.Background(), "lock", nil, time.Second)
			errs <- err
		}()
	}

	for i := 0; ; i++ {
		if ch.Outstanding() == 2 {
			break
		}
		if i > 100 {
			t.Fatal("calls never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ch.Close()

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrDisconnected) {
			t.Errorf("Call() error = %v, want ErrDisconnected", err)
		}
	}

	// Calls after close fail immediately.
	if _, err := ch.Call(context.Background(), "lock", nil, time.Second); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Call() after Close error = %v, want ErrDisconnected", err)
	}
}

func TestResolveUnknownIDDropped(t *testing.T) {
	t.Parallel()

	ch := NewChannel((&collectSender{}).send, zerolog.Nop())
	if err := ch.Resolve(&Response{JSONRPC: Version, ID: 99}); err != nil {
		t.Errorf("Resolve() of unknown id error = %v, want nil", err)
	}
}

func TestDoubleResolve(t *testing.T) {
	t.Parallel()

	sender := &collectSender{}
	ch := NewChannel(sender.send, zerolog.Nop())

	// Insert a pending call directly so the resolve timing is deterministic.
	ch.mu.Lock()
	ch.nextID++
	id := ch.nextID
	ch.pending[id] = &pendingCall{done: make(chan struct{})}
	ch.mu.Unlock()

	if err := ch.Resolve(&Response{JSONRPC: Version, ID: id}); err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	if err := ch.Resolve(&Response{JSONRPC: Version, ID: id}); !errors.Is(err, ErrDoubleResolve) {
		t.Errorf("second Resolve() error = %v, want ErrDoubleResolve", err)
	}
}

func TestMonotonicIDs(t *testing.T) {
	t.Parallel()

	sender := &collectSender{}
	ch := NewChannel(sender.send, zerolog.Nop())

	var ids []int64
	for i := 0; i < 3; i++ {
		_, err := ch.Call(context.Background(), "lock", nil, 10*time.Millisecond)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Call() error = %v, want ErrTimeout", err)
		}
		ids = append(ids, sender.lastRequest(t).ID)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not monotonic: %v", ids)
		}
	}
}

func TestParseIncoming(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		raw         string
		wantResp    bool
		wantNotif   bool
		wantErr     bool
		checkMethod string
	}{
		{
			name:      "response",
			raw:       `{"jsonrpc":"2.0","id":4,"result":true}`,
			wantResp:  true,
			wantNotif: false,
		},
		{
			name:        "notification",
			raw:         `{"jsonrpc":"2.0","method":"location_update","params":{"lat":1,"long":2,"bat":95}}`,
			wantNotif:   true,
			checkMethod: "location_update",
		},
		{
			name:    "missing version",
			raw:     `{"id":4,"result":true}`,
			wantErr: true,
		},
		{
			name:    "both id and method",
			raw:     `{"jsonrpc":"2.0","id":4,"method":"x"}`,
			wantErr: true,
		},
		{
			name:    "neither",
			raw:     `{"jsonrpc":"2.0"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			raw:     `{`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, notif, err := ParseIncoming([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseIncoming() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseIncoming() error = %v", err)
			}
			if tt.wantResp {
				if resp == nil {
					t.Fatal("expected a response")
				}
				if resp.ID != 4 {
					t.Errorf("ID = %d, want 4", resp.ID)
				}
				if notif != nil {
					t.Error("notification also returned for a response frame")
				}
			}
			if tt.wantNotif {
				if notif == nil {
					t.Fatal("expected a notification")
				}
				if notif.Method != tt.checkMethod {
					t.Errorf("Method = %q, want %q", notif.Method, tt.checkMethod)
				}
			}
		})
	}
}
