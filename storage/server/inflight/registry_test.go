package inflight

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestClaimRelease(t *testing.T) {
	r := New()
	assert.False(t, r.InFlight("a"))

	assert.True(t, r.TryClaim("a"))
	assert.True(t, r.InFlight("a"))
	assert.False(t, r.TryClaim("a"), "second claim on the same id must fail")

	// Other ids are unaffected.
	assert.False(t, r.InFlight("b"))
	assert.True(t, r.TryClaim("b"))
	assert.Equal(t, 2, r.Len())

	r.Release("a")
	assert.False(t, r.InFlight("a"))
	assert.True(t, r.InFlight("b"))
	assert.True(t, r.TryClaim("a"), "a released id can be claimed again")

	r.Release("a")
	r.Release("b")
	r.Release("never-claimed")
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	r := New()

	const workers = 64
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if r.TryClaim("contended") {
				winners.Add(1)
			}
			// Readers run concurrently with the claims.
			_ = r.InFlight("contended")
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.True(t, r.InFlight("contended"))
}
