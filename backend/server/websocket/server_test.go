package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/exam-liveroom/backend/client"
	"github.com/adwski/exam-liveroom/backend/model"
	"github.com/adwski/exam-liveroom/backend/service"
	"github.com/adwski/exam-liveroom/backend/storage/memory"
	sw "github.com/adwski/exam-liveroom/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitEvent   = 2 * time.Second
	waitNothing = 100 * time.Millisecond
)

type recordingCoordinator struct {
	mx           sync.Mutex
	connected    []model.UserConnected
	disconnected []string
}

func (rc *recordingCoordinator) UserConnected(_ context.Context, uc model.UserConnected) error {
	rc.mx.Lock()
	defer rc.mx.Unlock()
	rc.connected = append(rc.connected, uc)
	return nil
}

func (rc *recordingCoordinator) UserDisconnected(userID string) {
	rc.mx.Lock()
	defer rc.mx.Unlock()
	rc.disconnected = append(rc.disconnected, userID)
}

func (rc *recordingCoordinator) snapshot() ([]model.UserConnected, []string) {
	rc.mx.Lock()
	defer rc.mx.Unlock()
	return append([]model.UserConnected(nil), rc.connected...), append([]string(nil), rc.disconnected...)
}

type liveRoom struct {
	reg *memory.Registry
	url string
}

func newLiveRoom(t *testing.T) *liveRoom {
	t.Helper()
	logger := zerolog.Nop()
	reg := memory.NewRegistry()
	svc := service.NewService(service.Config{
		Registry: reg,
		Switch:   sw.NewSwitch(&logger, reg),
		Logger:   &logger,
	})
	srv := NewServer(Config{
		Logger:         &logger,
		SessionService: svc,
		QueueSize:      16,
		PingInterval:   time.Second,
		PongWait:       2 * time.Second,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return &liveRoom{
		reg: reg,
		url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/live/sess",
	}
}

func (lr *liveRoom) dial(t *testing.T, coord client.Coordinator) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitEvent)
	defer cancel()
	c, err := client.Dial(ctx, lr.url, client.Config{Coordinator: coord})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// join waits until the server has registered the membership.
func (lr *liveRoom) join(t *testing.T, c *client.Client, chapterID, userID string) {
	t.Helper()
	_, before := lr.reg.Stats()
	require.NoError(t, c.Join(chapterID, userID))
	require.Eventually(t, func() bool {
		_, after := lr.reg.Stats()
		return after == before+1
	}, waitEvent, 10*time.Millisecond)
}

func expect(t *testing.T, c *client.Client, name string) model.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "connection closed")
		require.Equal(t, name, ev.Name, "payload %s", ev.Data)
		return ev
	case <-time.After(waitEvent):
		require.FailNow(t, "no event received", "want %s", name)
	}
	return model.Event{}
}

func expectNothing(t *testing.T, c *client.Client) {
	t.Helper()
	select {
	case ev := <-c.Events():
		assert.Fail(t, "unexpected event", "%s %s", ev.Name, ev.Data)
	case <-time.After(waitNothing):
	}
}

func TestServer_DrawingRelay(t *testing.T) {
	lr := newLiveRoom(t)
	x, y := lr.dial(t, nil), lr.dial(t, nil)
	lr.join(t, x, "ch1", "ux")
	lr.join(t, y, "ch1", "uy")
	expect(t, x, model.EventUserConnected)

	require.NoError(t, x.Emit(model.EventDrawing, map[string]any{"x": 10, "y": 20, "room": "ch1"}))

	ev := expect(t, y, model.EventDrawing)
	assert.JSONEq(t, `{"x":10,"y":20,"room":"ch1"}`, string(ev.Data))
	expectNothing(t, x)
}

func TestServer_SubtitleReachesEveryone(t *testing.T) {
	lr := newLiveRoom(t)
	x, y, z := lr.dial(t, nil), lr.dial(t, nil), lr.dial(t, nil)
	lr.join(t, x, "ch1", "ux")
	lr.join(t, z, "ch2", "uz")

	require.NoError(t, x.Emit(model.EventSubtitle, "hello"))

	for _, c := range []*client.Client{x, y, z} {
		ev := expect(t, c, model.EventSubtitle)
		assert.JSONEq(t, `"hello"`, string(ev.Data))
	}
}

func TestServer_JoinWithoutChapter(t *testing.T) {
	lr := newLiveRoom(t)
	x, z := lr.dial(t, nil), lr.dial(t, nil)
	lr.join(t, z, "ch1", "uz")

	require.NoError(t, x.Join("", "ux"))
	require.NoError(t, x.Emit(model.EventDrawing, model.DrawingStroke{X: 1, Y: 2, Room: "ch1"}))

	expectNothing(t, z)
	expectNothing(t, x)
	rooms, participants := lr.reg.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, participants)
}

func TestServer_PeerCoordination(t *testing.T) {
	lr := newLiveRoom(t)
	coord := &recordingCoordinator{}
	x := lr.dial(t, coord)
	lr.join(t, x, "ch1", "ux")

	y := lr.dial(t, nil)
	lr.join(t, y, "ch1", "uy")
	uc := expect(t, x, model.EventUserConnected)

	require.NoError(t, y.Close())
	ud := expect(t, x, model.EventUserDisconnected)
	assert.JSONEq(t, `"uy"`, string(ud.Data))

	var announced model.UserConnected
	require.NoError(t, json.Unmarshal(uc.Data, &announced))
	connected, disconnected := coord.snapshot()
	require.Len(t, connected, 1)
	assert.Equal(t, announced, connected[0])
	assert.Equal(t, "uy", connected[0].UserID)
	assert.NotEmpty(t, connected[0].SocketID)
	assert.Equal(t, []string{"uy"}, disconnected)

	assert.Eventually(t, func() bool {
		_, participants := lr.reg.Stats()
		return participants == 1
	}, waitEvent, 10*time.Millisecond)
}

func TestServer_MalformedFramesIgnored(t *testing.T) {
	lr := newLiveRoom(t)
	x, y := lr.dial(t, nil), lr.dial(t, nil)
	lr.join(t, x, "ch1", "ux")
	lr.join(t, y, "ch1", "uy")
	expect(t, x, model.EventUserConnected)

	require.NoError(t, x.Emit("", map[string]any{"room": "ch1"}))
	require.NoError(t, x.Emit(model.EventClear, model.ClearBoard{Room: "ch1"}))

	expect(t, y, model.EventClear)
	expectNothing(t, y)
}
