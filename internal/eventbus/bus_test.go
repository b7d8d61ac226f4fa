package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeJobCompleted, Key: "log/1/2/mail"})

	e1 := <-ch1
	e2 := <-ch2
	assert.Equal(t, TypeJobCompleted, e1.Type)
	assert.Equal(t, "log/1/2/mail", e2.Key)
	assert.False(t, e1.Time.IsZero())
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeTriggerFired})
	b.Publish(Event{Type: TypeJobFailed})

	require.Len(t, ch, 1)
	assert.Equal(t, TypeTriggerFired, (<-ch).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: TypeJobSkipped})
}
