package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
)

func dialDevice(t *testing.T, server *httptest.Server, householdID, deviceID string) *gorilla.Conn {
	t.Helper()
	return dialDeviceSince(t, server, householdID, deviceID, 0)
}

func dialDeviceSince(t *testing.T, server *httptest.Server, householdID, deviceID string, since int64) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?household=" + householdID + "&device=" + deviceID
	if since > 0 {
		url += "&since=" + strconv.FormatInt(since, 10)
	}
	conn, response, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *gorilla.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	envelope, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return envelope
}

func waitForSubscribers(t *testing.T, hub *Hub, householdID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(householdID) < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, got %d", want, hub.Subscribers(householdID))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketRequiresHousehold(t *testing.T) {
	fixture := newHandlerFixture(t)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ws?device=dev-a", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestWebSocketRejectsInvalidCursor(t *testing.T) {
	fixture := newHandlerFixture(t)
	for _, since := range []string{"abc", "-3"} {
		recorder := httptest.NewRecorder()
		fixture.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ws?household=h1&device=dev-a&since="+since, nil))
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for since=%s, got %d", since, recorder.Code)
		}
	}
}

func TestWebSocketRelaysFramesToOtherDevices(t *testing.T) {
	fixture := newHandlerFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	sender := dialDevice(t, server, "h1", "dev-a")
	receiver := dialDevice(t, server, "h1", "dev-b")
	waitForSubscribers(t, fixture.hub, "h1", 2)

	frame, _ := contractionEnvelope(t, "c1", "h1", "dev-a").Encode()
	if err := sender.WriteMessage(gorilla.TextMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	received := readEnvelope(t, receiver)
	if id, _ := received.RecordID(); id != "c1" || received.OriginDeviceID != "dev-a" {
		t.Fatalf("unexpected envelope %+v", received)
	}
}

func TestWebSocketDeliversHTTPPushes(t *testing.T) {
	fixture := newHandlerFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	receiver := dialDevice(t, server, "h1", "dev-b")
	waitForSubscribers(t, fixture.hub, "h1", 1)

	body, _ := contractionEnvelope(t, "c2", "h1", "dev-a").Encode()
	response, err := http.Post(server.URL+"/sync", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", response.StatusCode)
	}

	if id, _ := readEnvelope(t, receiver).RecordID(); id != "c2" {
		t.Fatalf("expected c2, got %q", id)
	}
}

func TestWebSocketReplaysBacklogExcludingOwnEnvelopes(t *testing.T) {
	fixture := newHandlerFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	for _, envelope := range []protocol.Envelope{
		contractionEnvelope(t, "own", "h1", "dev-b"),
		contractionEnvelope(t, "theirs", "h1", "dev-a"),
		contractionEnvelope(t, "elsewhere", "h2", "dev-a"),
	} {
		body, _ := envelope.Encode()
		recorder, _ := postSync(t, fixture.handler, body)
		if recorder.Code != http.StatusAccepted {
			t.Fatalf("seed push failed with %d", recorder.Code)
		}
	}

	receiver := dialDevice(t, server, "h1", "dev-b")
	if id, _ := readEnvelope(t, receiver).RecordID(); id != "theirs" {
		t.Fatalf("expected backlog to replay theirs, got %q", id)
	}

	_ = receiver.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := receiver.ReadMessage(); err == nil {
		t.Fatalf("expected no further backlog frames")
	}
}

func seedContractions(t *testing.T, fixture handlerFixture, householdID, deviceID string, ids ...string) []int64 {
	t.Helper()
	seqs := make([]int64, 0, len(ids))
	for _, id := range ids {
		body, _ := contractionEnvelope(t, id, householdID, deviceID).Encode()
		recorder, payload := postSync(t, fixture.handler, body)
		if recorder.Code != http.StatusAccepted {
			t.Fatalf("seed push failed with %d", recorder.Code)
		}
		seqs = append(seqs, payload.Seq)
	}
	return seqs
}

func TestWebSocketReplaysWholeLogAcrossPages(t *testing.T) {
	fixture := newPagedHandlerFixture(t, 2)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	seqs := seedContractions(t, fixture, "h1", "dev-a", "c1", "c2", "c3", "c4", "c5")

	receiver := dialDevice(t, server, "h1", "dev-b")
	for index, want := range []string{"c1", "c2", "c3", "c4", "c5"} {
		envelope := readEnvelope(t, receiver)
		if id, _ := envelope.RecordID(); id != want {
			t.Fatalf("expected %s at position %d, got %q", want, index, id)
		}
		if envelope.Seq != seqs[index] {
			t.Fatalf("expected seq %d for %s, got %d", seqs[index], want, envelope.Seq)
		}
	}
}

func TestWebSocketResumesAfterCursor(t *testing.T) {
	fixture := newPagedHandlerFixture(t, 2)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	seqs := seedContractions(t, fixture, "h1", "dev-a", "c1", "c2", "c3")

	receiver := dialDeviceSince(t, server, "h1", "dev-b", seqs[1])
	if id, _ := readEnvelope(t, receiver).RecordID(); id != "c3" {
		t.Fatalf("expected replay to resume at c3, got %q", id)
	}
	_ = receiver.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := receiver.ReadMessage(); err == nil {
		t.Fatalf("expected envelopes at or below the cursor to stay unsent")
	}
}

func TestWebSocketLiveEnvelopesCarrySeq(t *testing.T) {
	fixture := newHandlerFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	receiver := dialDevice(t, server, "h1", "dev-b")
	waitForSubscribers(t, fixture.hub, "h1", 1)

	seqs := seedContractions(t, fixture, "h1", "dev-a", "c1", "c2")
	for index, want := range []string{"c1", "c2"} {
		envelope := readEnvelope(t, receiver)
		if id, _ := envelope.RecordID(); id != want || envelope.Seq != seqs[index] {
			t.Fatalf("expected %s with seq %d, got %q with seq %d", want, seqs[index], id, envelope.Seq)
		}
	}
}
