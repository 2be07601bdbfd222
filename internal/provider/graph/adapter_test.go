package graph

import (
	"testing"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwood-hq/mailsync/internal/provider"
)

func odataStatus(code int) *odataerrors.ODataError {
	e := odataerrors.NewODataError()
	e.ResponseStatusCode = code
	return e
}

func TestClassify(t *testing.T) {
	assert.Equal(t, provider.KindAuth, provider.KindOf(classify(odataStatus(401))))
	assert.Equal(t, provider.KindAuth, provider.KindOf(classify(odataStatus(403))))
	assert.Equal(t, provider.KindRateLimit, provider.KindOf(classify(odataStatus(429))))
	assert.Equal(t, provider.KindTransient, provider.KindOf(classify(odataStatus(503))))
	assert.Equal(t, provider.KindFatal, provider.KindOf(classify(odataStatus(400))))
	assert.ErrorIs(t, classify(odataStatus(410)), provider.ErrCursorExpired)
}

func TestClassifyCarriesRetryAfter(t *testing.T) {
	e := odataStatus(429)
	headers := abstractions.NewResponseHeaders()
	headers.Add("Retry-After", "30")
	e.ResponseHeaders = headers

	err := classify(e)
	assert.Equal(t, provider.KindRateLimit, provider.KindOf(err))
	assert.Equal(t, 30*time.Second, provider.RetryAfterOf(err))
}

func TestClassifyRateLimitWithoutHeader(t *testing.T) {
	err := classify(odataStatus(429))
	assert.Equal(t, provider.KindRateLimit, provider.KindOf(err))
	assert.Zero(t, provider.RetryAfterOf(err))
}

func TestWatermark(t *testing.T) {
	since, err := watermark("", 30)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -30), since, time.Minute)

	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	since, err = watermark("t:"+ts.Format(time.RFC3339Nano), 30)
	require.NoError(t, err)
	assert.True(t, since.Equal(ts))

	_, err = watermark("bogus", 30)
	assert.Error(t, err)
}

func TestReceivedFilterIncludesBoundarySecond(t *testing.T) {
	// Messages sharing the watermark second can land on a later page;
	// an exclusive bound would skip them forever.
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "receivedDateTime ge 2026-08-30T10:00:00Z", receivedFilter(ts))
}
