package optimistic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTarget simulates a versioned row that other writers race on.
type fakeTarget struct {
	value   string
	version int64

	// loseRaces makes the first N Apply calls miss, as if a concurrent
	// writer bumped the version in between.
	loseRaces int

	fetchCnt int
	applyCnt int
	fetchErr error
}

func (f *fakeTarget) Fetch(ctx context.Context, id string) (string, int64, error) {
	f.fetchCnt++
	if f.fetchErr != nil {
		return "", 0, f.fetchErr
	}
	return f.value, f.version, nil
}

func (f *fakeTarget) Apply(ctx context.Context, id string, next string, expectedVersion int64) (bool, error) {
	f.applyCnt++
	if f.loseRaces > 0 {
		f.loseRaces--
		f.version++ // concurrent writer won
		return false, nil
	}
	if expectedVersion != f.version {
		return false, nil
	}
	f.value = next
	f.version++
	return true, nil
}

func TestUpdateFirstTry(t *testing.T) {
	target := &fakeTarget{value: "issued", version: 1}

	got, err := Update(context.Background(), target, "inv-1", func(cur string) (string, error) {
		require.Equal(t, "issued", cur)
		return "paid", nil
	}, Config{MaxRetries: 3})

	require.NoError(t, err)
	require.Equal(t, "paid", got)
	require.Equal(t, int64(2), target.version)
	require.Equal(t, 1, target.fetchCnt)
}

func TestUpdateRetriesLostRace(t *testing.T) {
	target := &fakeTarget{value: "issued", version: 1, loseRaces: 2}

	got, err := Update(context.Background(), target, "inv-1", func(cur string) (string, error) {
		return "accepted", nil
	}, Config{MaxRetries: 3})

	require.NoError(t, err)
	require.Equal(t, "accepted", got)
	require.Equal(t, 3, target.fetchCnt, "each lost race re-reads the row")
}

func TestUpdateConflictAfterExhaustion(t *testing.T) {
	target := &fakeTarget{value: "issued", version: 1, loseRaces: 10}

	_, err := Update(context.Background(), target, "inv-1", func(cur string) (string, error) {
		return "accepted", nil
	}, Config{MaxRetries: 2})

	require.ErrorIs(t, err, ErrVersionConflict)
	require.Equal(t, 3, target.applyCnt)
}

func TestUpdatePropagatesComputeError(t *testing.T) {
	target := &fakeTarget{value: "cancelled", version: 4}

	wantErr := errors.New("cancelled invoices cannot transition")
	_, err := Update(context.Background(), target, "inv-1", func(cur string) (string, error) {
		return "", wantErr
	}, Config{MaxRetries: 3})

	require.ErrorIs(t, err, wantErr)
	require.Zero(t, target.applyCnt)
}

func TestUpdatePropagatesFetchError(t *testing.T) {
	target := &fakeTarget{fetchErr: ErrNotFound}

	_, err := Update(context.Background(), target, "missing", func(cur string) (string, error) {
		return cur, nil
	}, Config{MaxRetries: 3})

	require.ErrorIs(t, err, ErrNotFound)
}
