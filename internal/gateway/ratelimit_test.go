package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPLimiter_Burst(t *testing.T) {
	l := newIPLimiter(1, 3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.allow("1.2.3.4:1000"), "request %d", i)
	}
	assert.False(t, l.allow("1.2.3.4:2000"), "same host, different port")

	now = now.Add(time.Second)
	assert.True(t, l.allow("1.2.3.4:1000"), "one token refilled")
}

func TestIPLimiter_Disabled(t *testing.T) {
	l := newIPLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.allow("1.2.3.4:1000"))
	}
	assert.Equal(t, 0, l.size())
}

func TestIPLimiter_Prune(t *testing.T) {
	l := newIPLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.allow("10.0.0.1:1")
	now = now.Add(ipIdleTTL)
	l.allow("10.0.0.2:1")

	l.prune(now.Add(-time.Minute))
	assert.Equal(t, 1, l.size())
}

func TestIPLimiter_CapsTrackedHosts(t *testing.T) {
	l := newIPLimiter(1, 1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	l.now = func() time.Time { return base.Add(time.Duration(i) * time.Millisecond) }

	for i = 0; i <= ipMaxTracked; i++ {
		l.allow(fmt.Sprintf("10.%d.%d.%d:1", i>>16&0xff, i>>8&0xff, i&0xff))
	}
	assert.Equal(t, ipMaxTracked, l.size())
}

func TestRemoteHost(t *testing.T) {
	assert.Equal(t, "1.2.3.4", remoteHost("1.2.3.4:80"))
	assert.Equal(t, "::1", remoteHost("[::1]:80"))
	assert.Equal(t, "pipe", remoteHost("pipe"))
}
