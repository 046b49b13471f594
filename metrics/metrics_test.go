package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("missing")

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.WatchError()
	r.Rescan()
	r.DirectoryOp("put", nil, nil)
	r.Registration("export", errors.New("x"))
	r.AdminEvent("IMPORT_ERROR")
	r.Call("echo", 0.1, nil)
}

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	r.WatchError()
	r.Rescan()
	r.Rescan()
	r.DirectoryOp("put", nil, nil)
	r.DirectoryOp("put", errMissing, map[error]string{errMissing: ResultNotFound})
	r.DirectoryOp("put", errors.New("boom"), map[error]string{errMissing: ResultNotFound})
	r.Registration("import", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.watchErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.rescans))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.directoryOps.WithLabelValues("put", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.directoryOps.WithLabelValues("put", ResultNotFound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.directoryOps.WithLabelValues("put", ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.registrations.WithLabelValues("import", ResultOK)))

	_, err = NewRecorder(reg)
	assert.Error(t, err, "second registration on the same registry")
}

type fakeSource struct{}

func (fakeSource) Zone() string         { return "z1" }
func (fakeSource) Node() string         { return "n1" }
func (fakeSource) PublishedCount() int  { return 2 }
func (fakeSource) DiscoveredCount() int { return 5 }

func TestEndpointCollector(t *testing.T) {
	expected := `
# HELP mini_wire_discovery_discovered_endpoints Remote endpoints currently mirrored from the directory.
# TYPE mini_wire_discovery_discovered_endpoints gauge
mini_wire_discovery_discovered_endpoints{node="n1",zone="z1"} 5
# HELP mini_wire_discovery_published_endpoints Endpoints this node currently publishes into the directory.
# TYPE mini_wire_discovery_published_endpoints gauge
mini_wire_discovery_published_endpoints{node="n1",zone="z1"} 2
`
	require.NoError(t, testutil.CollectAndCompare(NewEndpointCollector(fakeSource{}), strings.NewReader(expected)))
}
