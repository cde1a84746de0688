package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/pkg/llm"
)

type frame map[string]any

func (f frame) kind() string {
	t, _ := f["type"].(string)
	return t
}

func (f frame) seq() int64 {
	n, _ := f["seq"].(float64)
	return int64(n)
}

func (s *testStack) submit(t *testing.T, sessionID, text string) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/turns", map[string]any{"text": text})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return body["run_id"].(string)
}

func (s *testStack) dial(ctx context.Context, t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(ctx context.Context, t *testing.T, conn *websocket.Conn) (frame, error) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f, nil
}

func TestStreamDeliversRunFrames(t *testing.T) {
	s := newStack(t, llm.NewStub(llm.StubTurn{Text: "streamed reply", Delay: 50 * time.Millisecond}))
	id := s.createSession(t, nil)
	runID := s.submit(t, id, "What is streaming?")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := s.dial(ctx, t, "run_id="+runID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var kinds []string
	var lastSeq int64
	for {
		f, err := readFrame(ctx, t, conn)
		require.NoError(t, err)
		kinds = append(kinds, f.kind())
		if f.kind() != "state_snapshot" {
			assert.Greater(t, f.seq(), lastSeq, "sequence numbers strictly increase")
			lastSeq = f.seq()
		}
		if f.kind() == "run_finished" || f.kind() == "run_error" {
			break
		}
	}

	assert.Equal(t, "state_snapshot", kinds[0], "snapshot precedes everything")
	assert.Contains(t, kinds, "run_started")
	assert.Contains(t, kinds, "text_message_start")
	assert.Contains(t, kinds, "text_message_end")
	assert.Equal(t, "run_finished", kinds[len(kinds)-1])
}

func TestStreamResumeSkipsReplayedFrames(t *testing.T) {
	s := newStack(t, llm.NewStub(llm.StubTurn{Text: "slow reply", Delay: 400 * time.Millisecond}))
	id := s.createSession(t, nil)
	runID := s.submit(t, id, "What is resuming?")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First subscriber reads the run_started frame, then drops.
	conn := s.dial(ctx, t, "run_id="+runID)
	var lastSeq int64
	for {
		f, err := readFrame(ctx, t, conn)
		require.NoError(t, err)
		if f.kind() == "run_started" {
			lastSeq = f.seq()
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "dropping")

	// Resume from the last seen sequence number.
	conn2 := s.dial(ctx, t, "run_id="+runID+"&last_seq="+int64String(lastSeq))
	defer conn2.Close(websocket.StatusNormalClosure, "")

	prev := lastSeq
	sawFinish := false
	for {
		f, err := readFrame(ctx, t, conn2)
		require.NoError(t, err)
		if f.kind() == "state_snapshot" {
			continue
		}
		assert.NotEqual(t, "run_started", f.kind(), "already-seen frames are not replayed")
		assert.Greater(t, f.seq(), prev)
		prev = f.seq()
		if f.kind() == "run_finished" {
			sawFinish = true
			break
		}
	}
	assert.True(t, sawFinish)
}

func TestStreamRequiresRunID(t *testing.T) {
	s := newStack(t, llm.NewStub())

	resp, err := http.Get(s.http.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(s.http.URL + "/ws?run_id=missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func int64String(v int64) string {
	return fmt.Sprintf("%d", v)
}
