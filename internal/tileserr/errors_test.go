package tileserr

import (
	"bytes"
	"image/png"
	"net/http"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"invalid request", InvalidRequestf("zoom %d out of range", 23), KindInvalidRequest},
		{"not found", NotFoundf("point %s", "p1"), KindNotFound},
		{"wrapped keeps kind", eris.Wrap(New(KindBackendUnavailable, "down"), "pipeline: lease"), KindBackendUnavailable},
		{"unclassified defaults transient", eris.New("boom"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := Wrap(KindCacheDegraded, eris.New("object missing"), "cache: l3 read")
	assert.True(t, Is(err, KindCacheDegraded))
	assert.False(t, Is(err, KindNotFound))
	assert.False(t, Is(eris.New("plain"), KindCacheDegraded))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidRequestf("bad")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFoundf("gone")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(New(KindBackendUnavailable, "open")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(New(KindBackendThrottled, "429")))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(New(KindCacheDegraded, "lost")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(eris.New("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, "blip")))
	assert.True(t, Retryable(New(KindBackendThrottled, "429")))
	assert.True(t, Retryable(New(KindCacheDegraded, "lost")))
	assert.False(t, Retryable(InvalidRequestf("bad")))
	assert.False(t, Retryable(New(KindBackendUnavailable, "open")))
	assert.False(t, Retryable(New(KindFatal, "config")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "invalid_request", KindInvalidRequest.String())
	assert.Equal(t, "backend_unavailable", KindBackendUnavailable.String())
	assert.Equal(t, "fatal", KindFatal.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestErrorTile_IsValidPNG(t *testing.T) {
	data := ErrorTile("backend unavailable: rate limited")
	require.NotEmpty(t, data)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256, img.Bounds().Dy())
}

func TestErrorTile_EmptyMessage(t *testing.T) {
	data := ErrorTile("")
	_, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
}

func TestWrapText(t *testing.T) {
	lines := wrapText("short", 34)
	assert.Equal(t, []string{"short"}, lines)

	long := "backend unavailable after repeated throttling from the imagery service please retry later"
	lines = wrapText(long, 34)
	assert.Greater(t, len(lines), 1)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 34)
	}
}
