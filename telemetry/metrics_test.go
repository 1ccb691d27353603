package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, PostsSucceeded)
	require.NotNil(t, RemoteCallDuration)
	require.NotNil(t, ActiveReminders)
}

func TestRecordPostSplitsOutcomes(t *testing.T) {
	Init()

	okBefore := testutil.ToFloat64(PostsSucceeded)
	failBefore := testutil.ToFloat64(PostsFailed)

	RecordPost(nil)
	RecordPost(errors.New("rejected"))
	RecordPost(errors.New("rejected"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(PostsSucceeded))
	assert.Equal(t, failBefore+2, testutil.ToFloat64(PostsFailed))
}

func TestRecordStoreWriteLabelsNamespace(t *testing.T) {
	Init()

	before := testutil.ToFloat64(StoreWrites.WithLabelValues("speakers"))
	RecordStoreWrite("speakers", nil)
	assert.Equal(t, before+1, testutil.ToFloat64(StoreWrites.WithLabelValues("speakers")))

	failBefore := testutil.ToFloat64(StoreWriteFailures.WithLabelValues("id"))
	RecordStoreWrite("id", errors.New("disk full"))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(StoreWriteFailures.WithLabelValues("id")))
}

func TestGauges(t *testing.T) {
	Init()

	SetActiveReminders(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(ActiveReminders))
	SetActiveReminders(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(ActiveReminders))

	SetMirroredEntries(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(MirroredEntries))
}

func TestObserveRemoteCallDoesNotPanic(t *testing.T) {
	Init()
	done := ObserveRemoteCall("post")
	done()
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", GetCorrelation(ctx))

	ctx = WithCorrelation(ctx, "abc-123")
	assert.Equal(t, "abc-123", GetCorrelation(ctx))
	assert.NotNil(t, LoggerWithCorr(ctx))
}
