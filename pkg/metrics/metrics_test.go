package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PresenceTransitions.WithLabelValues("online").Inc()
	m.PresenceTransitions.WithLabelValues("online").Inc()
	m.PresenceTransitions.WithLabelValues("offline").Inc()

	expected := `
		# HELP mingle_presence_transitions_total Presence events emitted by state
		# TYPE mingle_presence_transitions_total counter
		mingle_presence_transitions_total{state="offline"} 1
		mingle_presence_transitions_total{state="online"} 2
	`
	require.NoError(t, testutil.CollectAndCompare(m.PresenceTransitions, strings.NewReader(expected)))

	// A second set on another registry must not collide.
	assert.NotPanics(t, func() { NewForTest() })
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Connections.Set(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "mingle_connections 3")
}
