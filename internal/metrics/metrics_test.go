package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

// TestOutcome verifies outcome labels for success, typed and untyped errors.
func TestOutcome(t *testing.T) {
	t.Parallel()

	require.Equal(t, OutcomeOK, Outcome(nil))
	require.Equal(t, "not_found", Outcome(errkind.New(errkind.KindNotFound, "download", "t", "missing")))
	require.Equal(t, "transient", Outcome(errkind.ErrTransient))
	require.Equal(t, "fatal", Outcome(errors.New("boom")))
}

// TestMetrics_Counters verifies store, lease and builder counters.
func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New()
	start := time.Now()

	m.ObserveStoreOp("upload", start, nil)
	m.ObserveStoreOp("upload", start, nil)
	m.ObserveStoreOp("upload", start, errkind.ErrTransient)
	m.LeaseBusy("upload")
	m.LeaseAcquired()
	m.LeaseAcquired()
	m.LeaseReleased()
	m.PackageConflicts(3)
	m.SettingsViolations(2)
	m.ObserveUpgrade(nil)

	require.InDelta(t, 2, testutil.ToFloat64(m.storeOps.WithLabelValues("upload", OutcomeOK)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.storeOps.WithLabelValues("upload", "transient")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.leaseBusy.WithLabelValues("upload")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.leasesHeld), 0)
	require.InDelta(t, 3, testutil.ToFloat64(m.packageConflicts), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.settingsViolations), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.upgrades.WithLabelValues(OutcomeOK)), 0)
}

// TestMetrics_NilSafe verifies a nil receiver is a no-op.
func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics

	require.NotPanics(t, func() {
		m.ObserveStoreOp("upload", time.Now(), nil)
		m.LeaseBusy("copy")
		m.LeaseAcquired()
		m.LeaseReleased()
		m.PackageConflicts(1)
		m.SettingsViolations(1)
		m.ObserveUpgrade(nil)
		m.ObserveRPC("ListFabricVersions", "OK", time.Now())
	})
	require.Nil(t, m.Registry())
}

// TestMetrics_Handler verifies the exposition endpoint serves registered metrics.
func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRPC("UpgradeFabric", "OK", time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "fabric_provisioner_grpc_requests_total"))
	require.True(t, strings.Contains(body, "fabric_provisioner_system_up_time_seconds"))
}
