package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric %v", m.Desc())
	return 0
}

func TestPersistResultCountsByStatus(t *testing.T) {
	okBefore := value(t, persistWritesTotal.WithLabelValues("ok"))
	errBefore := value(t, persistWritesTotal.WithLabelValues("error"))

	PersistResult("room-1", 3*time.Millisecond, nil)
	PersistResult("room-1", time.Millisecond, errors.New("boom"))
	PersistResult("room-1", time.Millisecond, nil)

	assert.Equal(t, okBefore+2, value(t, persistWritesTotal.WithLabelValues("ok")))
	assert.Equal(t, errBefore+1, value(t, persistWritesTotal.WithLabelValues("error")))
}

func TestGaugesTrackOpenAndClose(t *testing.T) {
	before := value(t, sessionsActive.WithLabelValues("sync"))
	SessionOpened("sync")
	SessionOpened("sync")
	SessionClosed("sync")
	assert.Equal(t, before+1, value(t, sessionsActive.WithLabelValues("sync")))
	SessionClosed("sync")

	rooms := value(t, roomsActive)
	RoomOpened()
	assert.Equal(t, rooms+1, value(t, roomsActive))
	RoomClosed()
}

func TestHandlerExposesInstruments(t *testing.T) {
	UpdateMerged("local")
	Malformed("sync")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "ducklets_updates_total"))
	assert.True(t, strings.Contains(text, "ducklets_malformed_messages_total"))
}
