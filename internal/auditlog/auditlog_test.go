package auditlog

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestNew_EmptyDatabaseURLDisablesAuditing(t *testing.T) {
	l, err := New(context.Background(), "", testLogger())
	require.NoError(t, err)
	require.Nil(t, l)
}

func TestRecord_NoopsOnNilLogger(t *testing.T) {
	var l *Logger
	l.Record(context.Background(), Event{Kind: EventLockAcquired, AdapterName: "TEST", Timestamp: time.Now()})
	require.Equal(t, int64(0), l.DroppedWrites())
	l.Close()
}
