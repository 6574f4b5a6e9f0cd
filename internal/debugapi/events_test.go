package debugapi

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func TestHubPublishesObserverEvents(t *testing.T) {
	hub := NewHub(nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return fixed }
	ws := dialHub(t, hub)
	conn := dataconn.New(dataconn.Deps{Transport: radio.TransportWWAN})

	hub.StateChanged(conn, dataconn.StateActivating, dataconn.StateActive)
	ev := readEvent(t, ws)
	assert.Equal(t, EventState, ev.Type)
	assert.Equal(t, conn.Name(), ev.Connection)
	assert.Equal(t, "wwan", ev.Transport)
	assert.Equal(t, "activating", ev.From)
	assert.Equal(t, "active", ev.To)
	assert.True(t, fixed.Equal(ev.Time))

	hub.SetupFinished(conn, apn.TypeDefault, dataconn.SetupErrorDataServiceSpecific, dataservice.CauseInsufficientResources, 3*time.Second)
	ev = readEvent(t, ws)
	assert.Equal(t, EventSetup, ev.Type)
	assert.Equal(t, "default", ev.APNType)
	assert.Equal(t, "ERROR_DATA_SERVICE_SPECIFIC_ERROR", ev.Result)
	assert.Equal(t, dataservice.CauseInsufficientResources.String(), ev.Cause)
	assert.Equal(t, 3*time.Second, ev.Elapsed)

	hub.HandoverFinished(conn, apn.TypeIMS, false)
	ev = readEvent(t, ws)
	assert.Equal(t, EventHandover, ev.Type)
	require.NotNil(t, ev.Success)
	assert.False(t, *ev.Success)
}

func TestHubSetupSuccessOmitsCause(t *testing.T) {
	hub := NewHub(nil)
	ws := dialHub(t, hub)
	conn := dataconn.New(dataconn.Deps{Transport: radio.TransportWLAN})

	hub.SetupFinished(conn, apn.TypeIMS, dataconn.SetupSuccess, dataservice.CauseNone, time.Second)
	ev := readEvent(t, ws)
	assert.Equal(t, "SUCCESS", ev.Result)
	assert.Empty(t, ev.Cause)
	assert.Nil(t, ev.Success)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(nil)
	c := &client{send: make(chan []byte, 1)}
	hub.clients[c] = struct{}{}

	hub.Publish(Event{Type: EventState})
	hub.Publish(Event{Type: EventState})
	hub.Publish(Event{Type: EventState})

	assert.Len(t, c.send, 1)
	assert.Equal(t, 2, hub.Dropped())
}

func TestHubClose(t *testing.T) {
	hub := NewHub(nil)
	ws := dialHub(t, hub)

	hub.Close()
	assert.Zero(t, hub.Subscribers())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// Publishing after close is a no-op.
	hub.Publish(Event{Type: EventState})
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}
