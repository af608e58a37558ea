package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingReplyBeforeTimeout(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	p := newPendingTable(clk)

	id, done := p.add(15 * time.Second)
	require.True(t, p.complete(id, result{env: &Envelope{ID: id}}))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, id, res.env.ID)

	// The timer was stopped on success.
	assert.Zero(t, clk.Pending())
	clk.Advance(time.Minute)
	assert.Zero(t, p.len())
}

func TestPendingTimeoutThenLateReply(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	p := newPendingTable(clk)

	id, done := p.add(15 * time.Second)
	clk.Advance(14 * time.Second)
	select {
	case <-done:
		t.Fatal("completed before timeout")
	default:
	}

	clk.Advance(time.Second)
	res := <-done
	assert.True(t, errors.Is(res.err, ErrTimeout))

	assert.False(t, p.complete(id, result{env: &Envelope{ID: id}}))
	select {
	case <-done:
		t.Fatal("late reply was delivered")
	default:
	}
	assert.Zero(t, p.len())
}

func TestPendingIDsIncrease(t *testing.T) {
	p := newPendingTable(clock.Fake(time.Unix(0, 0)))

	var last uint64
	for n := 0; n < 5; n++ {
		id, _ := p.add(time.Second)
		assert.Greater(t, id, last)
		last = id
		p.complete(id, result{})
	}
}

func TestPendingFailAll(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	p := newPendingTable(clk)

	_, a := p.add(time.Second)
	_, b := p.add(time.Second)
	p.failAll(ErrDisconnected)

	assert.ErrorIs(t, (<-a).err, ErrDisconnected)
	assert.ErrorIs(t, (<-b).err, ErrDisconnected)
	assert.Zero(t, p.len())

	// Timers were stopped, so advancing fires nothing.
	clk.Advance(time.Minute)
	select {
	case <-a:
		t.Fatal("double completion")
	default:
	}
}

func TestPendingZeroTimeout(t *testing.T) {
	p := newPendingTable(clock.Fake(time.Unix(0, 0)))
	_, done := p.add(0)
	assert.ErrorIs(t, (<-done).err, ErrTimeout)
	assert.Zero(t, p.len())
}
