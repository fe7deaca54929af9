package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFilter(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	runs, unsubRuns := b.Subscribe(4, "schedule.run")
	defer unsubAll()
	defer unsubRuns()

	b.Publish(Event{Topic: "schedule.missed", Data: 1})
	b.Publish(Event{Topic: "schedule.run", Data: 2})

	e := <-all
	assert.Equal(t, "schedule.missed", e.Topic)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, 2, (<-all).Data)

	e = <-runs
	assert.Equal(t, 2, e.Data)
	assert.Empty(t, runs)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Topic: "x"})
	b.Publish(Event{Topic: "x"})
	assert.EqualValues(t, 1, b.Dropped())

	unsub()
	unsub()
	<-ch
	_, open := <-ch
	require.False(t, open)
	b.Publish(Event{Topic: "x"})
}
