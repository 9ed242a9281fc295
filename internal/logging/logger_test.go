package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProductionLoggerJSON(t *testing.T) {
	l := New("test-service", "debug", "json")
	var buf strings.Builder
	l.output = &buf
	l.WithComponent("engine").Info("step started", map[string]interface{}{"stepId": "A"})

	require.Contains(t, buf.String(), `"component":"engine"`)
	require.Contains(t, buf.String(), `"stepId":"A"`)
}

func TestProductionLoggerLevelFilter(t *testing.T) {
	l := New("svc", "warn", "text")
	var buf strings.Builder
	l.output = &buf
	l.Info("should not appear", nil)
	l.Warn("should appear", nil)

	require.NotContains(t, buf.String(), "should not appear")
	require.Contains(t, buf.String(), "should appear")
}

func TestErrorRateLimiting(t *testing.T) {
	l := New("svc", "debug", "text")
	var buf strings.Builder
	l.output = &buf
	for i := 0; i < 5; i++ {
		l.Error("boom", nil)
	}
	require.Equal(t, 1, strings.Count(buf.String(), "boom"))
}
