package observability

import (
	"testing"
	"time"

	"github.com/danmuck/peerlink/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("peer.a", "GET", "/status", 200, 12*time.Millisecond)
	RecordIntent("peer.a", "connect", "ok", 24*time.Millisecond)
	RecordSessionTransition("peer.a", "connected")
	RecordGroupEvent("peer.a", "group.joined")
	RecordPeerSet("peer.a", "success", 3)
}

func TestRecordIntentCountsByResult(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(intents.WithLabelValues("peer.count", "register", "rejected"))
	RecordIntent("peer.count", "register", "rejected", time.Millisecond)
	RecordIntent("peer.count", "register", "rejected", time.Millisecond)
	after := testutil.ToFloat64(intents.WithLabelValues("peer.count", "register", "rejected"))
	if after-before != 2 {
		t.Fatalf("unexpected intent count delta got=%v", after-before)
	}
}
