package resilience

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria/memcore/internal/obslog"
)

func testLogger() obslog.Logger {
	return obslog.New(obslog.Options{Output: os.Stderr})
}

func TestRuleEvaluateAbove(t *testing.T) {
	r := Rule{Name: "error_rate", Comparison: Above, Threshold: 0.1}
	assert.True(t, r.Evaluate(0.2))
	assert.False(t, r.Evaluate(0.05))
}

func TestRuleEvaluateBelowInverted(t *testing.T) {
	r := Rule{Name: "low_hit_rate", Comparison: Below, Threshold: 0.5}
	assert.True(t, r.Evaluate(0.3))
	assert.False(t, r.Evaluate(0.7))
}

func TestFireDeliversToWebhook(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(&Webhook{URL: srv.URL}, testLogger())
	m.Fire(context.Background(), Rule{Name: "r1", Comparison: Above, Threshold: 0.1}, "shard-1", 0.5)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 1 }, time.Second, 5*time.Millisecond)
}

func TestFireSuppressesRepeatedFingerprintWithinWindow(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(&Webhook{URL: srv.URL}, testLogger())
	rule := Rule{Name: "r1", Comparison: Above, Threshold: 0.1}

	m.Fire(context.Background(), rule, "shard-1", 0.5)
	m.Fire(context.Background(), rule, "shard-1", 0.6)
	m.Fire(context.Background(), rule, "shard-1", 0.7)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "repeated firings within the suppression window should be deduped")
}

func TestFireDoesNotFireWhenRuleNotTripped(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
	}))
	defer srv.Close()

	m := NewManager(&Webhook{URL: srv.URL}, testLogger())
	m.Fire(context.Background(), Rule{Name: "r1", Comparison: Above, Threshold: 0.9}, "shard-1", 0.1)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestPruneExpiredRemovesOldEntries(t *testing.T) {
	m := NewManager(nil, testLogger())
	m.recent["fp1"] = suppressed{firedAt: time.Now().Add(-10 * time.Minute)}
	m.recent["fp2"] = suppressed{firedAt: time.Now()}

	m.PruneExpired()

	assert.NotContains(t, m.recent, "fp1")
	assert.Contains(t, m.recent, "fp2")
}

func TestFireWithNilWebhookDoesNotPanic(t *testing.T) {
	m := NewManager(nil, testLogger())
	assert.NotPanics(t, func() {
		m.Fire(context.Background(), Rule{Name: "r1", Comparison: Above, Threshold: 0.1}, "shard-1", 0.5)
	})
}
