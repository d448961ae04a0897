package coro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestYieldRoundTrip is spec.md section 8 scenario 1: a coroutine that
// logs "A", swaps out, logs "B", swaps out again should produce exactly
// "A, B" across three driver-side SwapIn calls, ending in TERM.
func TestYieldRoundTrip(t *testing.T) {
	var log []string
	c := New("c1", 4096, func(self *Coroutine) {
		log = append(log, "A")
		self.SwapOut()
		log = append(log, "B")
		self.SwapOut()
	})

	c.SwapIn()
	assert.Equal(t, []string{"A"}, log)
	assert.Equal(t, HOLD, c.State())

	c.SwapIn()
	assert.Equal(t, []string{"A", "B"}, log)
	assert.Equal(t, HOLD, c.State())

	c.SwapIn()
	assert.Equal(t, []string{"A", "B"}, log)
	assert.Equal(t, TERM, c.State())
}

func TestSwapIntoTerminalPanics(t *testing.T) {
	c := New("c1", 4096, func(self *Coroutine) {})
	c.SwapIn()
	require.Equal(t, TERM, c.State())

	assert.Panics(t, func() { c.SwapIn() })
}

func TestExceptOnPanic(t *testing.T) {
	c := New("boom", 4096, func(self *Coroutine) {
		panic("kaboom")
	})
	c.SwapIn()
	assert.Equal(t, EXCEPT, c.State())
	require.Error(t, c.Err())
}

func TestResetOnlyLegalFromTerminalStates(t *testing.T) {
	c := New("c1", 4096, func(self *Coroutine) { self.SwapOut() })
	c.SwapIn()
	require.Equal(t, HOLD, c.State())
	assert.Panics(t, func() { c.Reset("c1-again", func(self *Coroutine) {}) })

	c.SwapIn()
	require.Equal(t, TERM, c.State())

	id := c.ID()
	c.Reset("c1-again", func(self *Coroutine) {})
	assert.Equal(t, INIT, c.State())
	assert.Equal(t, id, c.ID(), "identity is preserved across reset")

	c.SwapIn()
	assert.Equal(t, TERM, c.State())
}

func TestIDsAreMonotonic(t *testing.T) {
	a := New("a", 4096, func(self *Coroutine) {})
	b := New("b", 4096, func(self *Coroutine) {})
	assert.Less(t, a.ID(), b.ID())
}

func TestYieldRequeueViaSetNextState(t *testing.T) {
	var states []State
	c := New("c1", 4096, func(self *Coroutine) {
		self.SetNextState(READY)
		self.SwapOut()
		states = append(states, self.State())
	})
	c.SwapIn()
	assert.Equal(t, READY, c.State())
	c.SwapIn()
	assert.Equal(t, TERM, c.State())
}
