package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionStarted(t *testing.T) {
	before := testutil.ToFloat64(sessions.WithLabelValues("keygen", "ok"))
	done := SessionStarted("keygen")
	assert.Equal(t, 1.0, testutil.ToFloat64(activeSessions))
	done("ok")
	assert.Equal(t, 0.0, testutil.ToFloat64(activeSessions))
	assert.Equal(t, before+1, testutil.ToFloat64(sessions.WithLabelValues("keygen", "ok")))
}

func TestAborted(t *testing.T) {
	Aborted("sign", true)
	Aborted("sign", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(aborts.WithLabelValues("sign", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(aborts.WithLabelValues("sign", "false")))
}

func TestCounters(t *testing.T) {
	WireMessage("in", "Protocol")
	HTTPRequest("/ping", "200")
	assert.Equal(t, 1.0, testutil.ToFloat64(wireMessages.WithLabelValues("in", "Protocol")))
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequests.WithLabelValues("/ping", "200")))
}
