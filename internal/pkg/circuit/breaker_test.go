package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)
	b := New("broker", 2, time.Minute)
	b.now = func() time.Time { return now }
	var transitions []string
	b.OnStateChange(func(_ string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	boom := errors.New("boom")
	assert.Equal(t, boom, b.Do(func() error { return boom }))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, boom, b.Do(func() error { return boom }))
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF-OPEN", "HALF-OPEN>CLOSED"}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := New("broker", 1, time.Second)
	b.now = func() time.Time { return now }
	b.RecordFailure()
	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}
