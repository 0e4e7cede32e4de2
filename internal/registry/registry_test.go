package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srt-whep/bridge/internal/apierr"
	"github.com/srt-whep/bridge/internal/sdp"
)

func validOffer(t *testing.T) sdp.SessionDescription {
	t.Helper()
	s, err := sdp.Parse("v=0\r\na=setup:actpass\r\na=sendonly\r\n")
	require.NoError(t, err)
	return s
}

func validAnswer(t *testing.T) sdp.SessionDescription {
	t.Helper()
	s, err := sdp.Parse("v=0\r\na=recvonly\r\n")
	require.NoError(t, err)
	return s
}

func TestAddHasRemove(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("c1"))

	ok, err := r.Has("c1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Remove("c1"))

	ok, err = r.Has("c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddDuplicateFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("c1"))
	err := r.Add("c1")
	assert.ErrorIs(t, err, apierr.ErrDuplicateConnection)
}

func TestRemoveMissingFails(t *testing.T) {
	r := New()
	err := r.Remove("missing")
	assert.ErrorIs(t, err, apierr.ErrConnectionNotFound)
}

func TestListAndReset(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("a"))
	require.NoError(t, r.Add("b"))

	ids, err := r.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, r.Reset())
	ids, err = r.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestWaitWhipOfferReturnsSavedValue(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("c1"))
	offer := validOffer(t)

	var got sdp.SessionDescription
	var waitErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, waitErr = r.WaitWhipOffer(context.Background(), "c1")
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.SaveWhipOffer("c1", offer))
	wg.Wait()

	require.NoError(t, waitErr)
	assert.Equal(t, offer.String(), got.String())
}

func TestWaitWhepAnswerReturnsSavedValue(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("c1"))
	answer := validAnswer(t)

	require.NoError(t, r.SaveWhepAnswer("c1", answer))
	got, err := r.WaitWhepAnswer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, answer.String(), got.String())
}

func TestWaitTimesOutWithoutSave(t *testing.T) {
	r := &Registry{
		lockTimeout: DefaultLockTimeout,
		waitTimeout: 30 * time.Millisecond,
		structural:  newTimedMutex(),
		conns:       make(map[string]*Connection),
	}
	require.NoError(t, r.Add("c1"))

	start := time.Now()
	_, err := r.WaitWhipOffer(context.Background(), "c1")
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, apierr.ErrOfferMissing)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestNotifyIsIdempotentAndWakesAllWaiters(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("c1"))
	offer := validOffer(t)
	require.NoError(t, r.SaveWhipOffer("c1", offer))

	const waiters = 5
	results := make([]sdp.SessionDescription, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := r.WaitWhipOffer(context.Background(), "c1")
			require.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, offer.String(), got.String())
	}
}

func TestSaveTwiceIsAnError(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("c1"))
	require.NoError(t, r.SaveWhipOffer("c1", validOffer(t)))
	err := r.SaveWhipOffer("c1", validOffer(t))
	assert.Error(t, err)
}

func TestOperationsOnMissingConnectionFail(t *testing.T) {
	r := New()
	_, err := r.WaitWhipOffer(context.Background(), "missing")
	assert.ErrorIs(t, err, apierr.ErrConnectionNotFound)

	err = r.SaveWhepAnswer("missing", validAnswer(t))
	assert.ErrorIs(t, err, apierr.ErrConnectionNotFound)
}
