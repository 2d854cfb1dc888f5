package utils

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogInterceptorStampsLines(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	_, err := li.Write([]byte("first\nsecond\n"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "line=1 "))
	assert.True(t, strings.HasPrefix(lines[1], "line=2 "))
	assert.Contains(t, lines[0], "first")
}

func TestLogInterceptorBuffersPartialLines(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	li.Write([]byte("partial"))
	assert.Empty(t, out.String())

	require.NoError(t, li.Close())
	assert.Contains(t, out.String(), "partial")
}

func TestMultiLogHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := NewMultiLogHandler(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h)

	logger.Debug("quiet")
	logger.Warn("loud")

	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.Contains(t, a.String(), "quiet")
	assert.NotContains(t, b.String(), "quiet")
	assert.Contains(t, b.String(), "loud")
}
