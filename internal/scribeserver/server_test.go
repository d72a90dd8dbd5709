package scribeserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkorchev/lectoscribe/internal/engine"
	"github.com/mkorchev/lectoscribe/internal/engine/jobs"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	// no token source: flows settle fast with LOCKIN_AUTH_REQUIRED
	engine.Init(engine.Config{PollInterval: time.Millisecond, PollMaxAttempts: 2})

	ctrl := jobs.NewController(jobs.NewClient("http://127.0.0.1:1", ""), jobs.NewEventBus(100), nil)
	s := New(ctrl, nil, Config{Port: "0"})
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestStartAndState(t *testing.T) {
	_, ts := testServer(t)

	body, _ := json.Marshal(startRequest{MediaURL: "http://127.0.0.1:1/x.mp4"})
	resp, err := http.Post(ts.URL+"/api/transcriptions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	var started startResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatal(err)
	}
	if started.RequestID == "" {
		t.Fatal("no requestId assigned")
	}

	// The flow fails quickly (not signed in); poll the state endpoint until
	// the terminal result lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := http.Get(ts.URL + "/api/transcriptions/" + started.RequestID)
		if err != nil {
			t.Fatal(err)
		}
		var res jobs.Result
		json.NewDecoder(st.Body).Decode(&res)
		st.Body.Close()

		if res.Status.Terminal() {
			if res.ErrorCode != engine.CodeLockinAuthRequired {
				t.Errorf("result = %+v", res)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("flow never settled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStateUnknownRequest(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/transcriptions/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartRejectsBadJSON(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Post(ts.URL+"/api/transcriptions", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEventStreamReplaysToTerminal(t *testing.T) {
	s, ts := testServer(t)

	// Publish a finished flow's events before the client connects.
	bus := s.ctrl.Events()
	bus.Publish(jobs.Event{RequestID: "r1", Stage: jobs.StageStarting})
	bus.Publish(jobs.Event{RequestID: "other", Stage: jobs.StageUploading})
	bus.Publish(jobs.Event{RequestID: "r1", Stage: jobs.StageCompleted, Percent: 100})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/transcriptions/r1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var stages []jobs.Stage
	for {
		var ev jobs.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break // server closes after the terminal event
		}
		if ev.RequestID != "r1" {
			t.Errorf("foreign event leaked: %+v", ev)
		}
		stages = append(stages, ev.Stage)
		if ev.Stage.Terminal() {
			break
		}
	}

	if len(stages) != 2 || stages[0] != jobs.StageStarting || stages[1] != jobs.StageCompleted {
		t.Errorf("stages = %v", stages)
	}
}

func TestEventStreamLiveEvents(t *testing.T) {
	s, ts := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/transcriptions/r2/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	go func() {
		// give the handler a moment to subscribe
		time.Sleep(50 * time.Millisecond)
		s.ctrl.Events().Publish(jobs.Event{RequestID: "r2", Stage: jobs.StagePolling})
		s.ctrl.Events().Publish(jobs.Event{RequestID: "r2", Stage: jobs.StageFailed})
	}()

	var stages []jobs.Stage
	for {
		var ev jobs.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		stages = append(stages, ev.Stage)
		if ev.Stage.Terminal() {
			break
		}
	}
	if len(stages) != 2 || stages[1] != jobs.StageFailed {
		t.Errorf("stages = %v", stages)
	}
}

func TestStoredResultsBounded(t *testing.T) {
	s, _ := testServer(t)

	for i := 0; i < maxResults+10; i++ {
		s.storeResult(fmt.Sprintf("r%d", i), &jobs.Result{RequestID: fmt.Sprintf("r%d", i), Status: jobs.StageCompleted})
	}

	s.mu.Lock()
	n := len(s.results)
	s.mu.Unlock()
	if n > maxResults {
		t.Errorf("retained %d results, cap is %d", n, maxResults)
	}
	if s.takeResult("r0") != nil {
		t.Error("oldest result should have been evicted")
	}
	if s.takeResult(fmt.Sprintf("r%d", maxResults+9)) == nil {
		t.Error("newest result missing")
	}
}

func TestStoredResultsExpire(t *testing.T) {
	s, _ := testServer(t)

	s.storeResult("old", &jobs.Result{RequestID: "old", Status: jobs.StageCompleted})
	s.mu.Lock()
	st := s.results["old"]
	st.at = time.Now().Add(-resultTTL - time.Minute)
	s.results["old"] = st
	s.mu.Unlock()

	if s.takeResult("old") != nil {
		t.Error("expired result should not be served")
	}

	// the next store sweeps expired entries out of the map
	s.storeResult("fresh", &jobs.Result{RequestID: "fresh", Status: jobs.StageCompleted})
	s.mu.Lock()
	_, stale := s.results["old"]
	s.mu.Unlock()
	if stale {
		t.Error("expired entry still held after sweep")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestHistoryDisabled(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when history is off", resp.StatusCode)
	}
}
