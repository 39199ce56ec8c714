package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing_EmptyRingRefusesPlacement(t *testing.T) {
	r := NewRing(3, 150)

	_, err := r.RankFor(42)
	require.ErrorIs(t, err, ErrEmptyRing)
	require.Nil(t, r.Replicas(42))
	require.Equal(t, 0, r.Count())
}

func TestRing_PlacementIsDeterministicAndSpread(t *testing.T) {
	r := NewRing(3, 150)
	r.AddRank(1)
	r.AddRank(2)
	r.AddRank(3)

	owned := map[uint64]int{}
	for obj := uint64(0); obj < 1000; obj++ {
		rank, err := r.RankFor(obj)
		require.NoError(t, err)

		again, err := r.RankFor(obj)
		require.NoError(t, err)
		require.Equal(t, rank, again)

		owned[rank]++
	}

	require.Len(t, owned, 3)
	for rank, n := range owned {
		require.Greater(t, n, 0, "rank %d owns nothing", rank)
	}
}

func TestRing_RemovalOnlyRemapsRemovedRank(t *testing.T) {
	r := NewRing(3, 150)
	r.AddRank(1)
	r.AddRank(2)
	r.AddRank(3)

	before := map[uint64]uint64{}
	for obj := uint64(0); obj < 200; obj++ {
		rank, err := r.RankFor(obj)
		require.NoError(t, err)
		before[obj] = rank
	}

	r.RemoveRank(3)

	for obj, oldRank := range before {
		newRank, err := r.RankFor(obj)
		require.NoError(t, err)
		if oldRank != 3 {
			require.Equal(t, oldRank, newRank, "object %d moved off surviving rank", obj)
		} else {
			require.NotEqual(t, uint64(3), newRank)
		}
	}
}

func TestRing_ReplicasDistinctPrimaryFirst(t *testing.T) {
	r := NewRing(3, 150)
	r.AddRank(1)
	r.AddRank(2)

	primary, err := r.RankFor(7)
	require.NoError(t, err)

	replicas := r.Replicas(7)
	require.Len(t, replicas, 2) // capped at member count
	require.Equal(t, primary, replicas[0])
	require.NotEqual(t, replicas[0], replicas[1])
}

func TestRing_AddRankIdempotent(t *testing.T) {
	r := NewRing(3, 150)
	r.AddRank(1)
	r.AddRank(1)

	require.Equal(t, 1, r.Count())
	require.Equal(t, 150, r.VnodeCounts()[1])
	require.Equal(t, []uint64{1}, r.Ranks())
}
