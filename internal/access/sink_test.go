package access

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateguard/internal/defense"
)

func TestEnqueueFillsDefaults(t *testing.T) {
	s := NewSink(nil, zerolog.Nop(), nil)
	s.Enqueue(Record{ClientIP: "1.2.3.4"})

	item := <-s.ch
	rec, ok := item.(Record)
	require.True(t, ok)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.AccessTime.IsZero())
	assert.Equal(t, "1.2.3.4", rec.ClientIP)
}

func TestEnqueueDropsUnderPressure(t *testing.T) {
	drops := 0
	s := NewSink(nil, zerolog.Nop(), func() { drops++ })

	// Without a running drain loop the queue fills and the overflow drops.
	for i := 0; i < queueSize+10; i++ {
		s.Enqueue(Record{ClientIP: "1.2.3.4"})
	}
	assert.Equal(t, 10, drops)
	assert.Len(t, s.ch, queueSize)
}

func TestLimitLoggerConversion(t *testing.T) {
	s := NewSink(nil, zerolog.Nop(), nil)
	s.Record(defense.LimitLog{
		ClientIP:      "1.2.3.4",
		Path:          "/a",
		Method:        "GET",
		UserAgent:     "ua",
		LimitType:     "SECOND_LIMIT",
		Reason:        "too fast",
		CurrentCount:  2,
		Threshold:     2,
		WindowSeconds: 1,
	})

	item := <-s.ch
	rec, ok := item.(LimitLogRecord)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", rec.ClientIP)
	assert.Equal(t, "/a", rec.RequestPath)
	assert.Equal(t, "SECOND_LIMIT", rec.RateLimitType)
	assert.Equal(t, 2, rec.CurrentRequestCount)
	assert.False(t, rec.TriggerTime.IsZero())
}

func TestUntilNextDaily(t *testing.T) {
	loc := time.UTC
	before := time.Date(2024, 3, 10, 1, 30, 0, 0, loc)
	assert.Equal(t, 30*time.Minute, untilNextDaily(before))

	after := time.Date(2024, 3, 10, 2, 30, 0, 0, loc)
	assert.Equal(t, 23*time.Hour+30*time.Minute, untilNextDaily(after))
}
