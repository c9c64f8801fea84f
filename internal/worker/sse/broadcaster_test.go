package sse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type BroadcasterSuite struct {
	suite.Suite
	broadcaster *Broadcaster
}

func (s *BroadcasterSuite) SetupTest() {
	s.broadcaster = NewBroadcaster()
}

func TestBroadcasterSuite(t *testing.T) {
	suite.Run(t, new(BroadcasterSuite))
}

// mockResponseWriter implements http.ResponseWriter and http.Flusher.
type mockResponseWriter struct {
	header  http.Header
	body    []byte
	mu      sync.Mutex
	failErr error
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{header: make(http.Header)}
}

func (m *mockResponseWriter) Header() http.Header { return m.header }

func (m *mockResponseWriter) Write(data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	m.body = append(m.body, data...)
	return len(data), nil
}

func (m *mockResponseWriter) WriteHeader(int) {}

func (m *mockResponseWriter) Flush() {}

func (m *mockResponseWriter) Body() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.body)
}

// plainWriter does not implement http.Flusher.
type plainWriter struct{ http.ResponseWriter }

func (s *BroadcasterSuite) TestAddRemoveClient() {
	client, err := s.broadcaster.AddClient(newMockResponseWriter(), "")
	s.Require().NoError(err)
	s.NotEmpty(client.ID)
	s.Equal(1, s.broadcaster.ClientCount())

	s.broadcaster.RemoveClient(client)
	s.Equal(0, s.broadcaster.ClientCount())

	select {
	case <-client.Done:
	default:
		s.Fail("Done channel should be closed")
	}

	// Removing twice is harmless.
	s.NotPanics(func() { s.broadcaster.RemoveClient(client) })
}

func (s *BroadcasterSuite) TestAddClient_RequiresFlusher() {
	_, err := s.broadcaster.AddClient(plainWriter{}, "")
	s.Error(err)
	s.Equal(0, s.broadcaster.ClientCount())
}

func (s *BroadcasterSuite) TestBroadcast_FiltersBySession() {
	all := newMockResponseWriter()
	one := newMockResponseWriter()
	other := newMockResponseWriter()
	_, _ = s.broadcaster.AddClient(all, "")
	_, _ = s.broadcaster.AddClient(one, "s1")
	_, _ = s.broadcaster.AddClient(other, "s2")

	s.broadcaster.Broadcast(Event{Type: "progress", SessionID: "s1", Data: map[string]string{"message": "Transcribing"}})

	s.Contains(all.Body(), "event: progress\n")
	s.Contains(all.Body(), `"message":"Transcribing"`)
	s.Contains(one.Body(), `"session_id":"s1"`)
	s.Empty(other.Body())

	s.broadcaster.Broadcast(Event{Type: "credentials"})
	s.Contains(other.Body(), "event: credentials")
}

func (s *BroadcasterSuite) TestBroadcast_DropsFailingClients() {
	bad := newMockResponseWriter()
	bad.failErr = errors.New("broken pipe")
	good := newMockResponseWriter()
	_, _ = s.broadcaster.AddClient(bad, "")
	_, _ = s.broadcaster.AddClient(good, "")

	s.broadcaster.Broadcast(Event{Type: "progress"})

	s.Equal(1, s.broadcaster.ClientCount())
	s.NotEmpty(good.Body())
}

func (s *BroadcasterSuite) TestBroadcast_NoClients() {
	s.NotPanics(func() { s.broadcaster.Broadcast(Event{Type: "progress"}) })
}

func (s *BroadcasterSuite) TestHandleSSE() {
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events?session=s9", nil).WithContext(ctx)
	w := newMockResponseWriter()

	done := make(chan struct{})
	go func() {
		s.broadcaster.HandleSSE(w, req)
		close(done)
	}()

	s.Eventually(func() bool { return s.broadcaster.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	s.Equal("text/event-stream", w.Header().Get("Content-Type"))
	s.True(strings.HasPrefix(w.Body(), "event: connected\n"))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("HandleSSE did not return after disconnect")
	}
	s.Equal(0, s.broadcaster.ClientCount())
}
