package memorystore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetRecentWindowAlwaysReturnsOneBlock(t *testing.T) {
	s := New()
	s.AppendTurn("t1", "a very long question that exceeds the token cap by itself", "a very long answer too")
	window := s.GetRecentWindow("t1", 1)
	require.NotEmpty(t, window)
}

func TestGetRecentWindowChronologicalOrder(t *testing.T) {
	s := New()
	s.AppendTurn("t1", "first", "a1")
	s.AppendTurn("t1", "second", "a2")
	window := s.GetRecentWindow("t1", 100)
	require.True(t, indexOf(window, "first") < indexOf(window, "second"))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestVectorRecallScoresByJaccard(t *testing.T) {
	s := New()
	s.AppendTurn("t1", "revenue grew in 2024", "yes it did")
	s.AppendTurn("t1", "unrelated weather talk", "sunny today")
	hits := s.VectorRecall("t1", "revenue 2024", 5)
	require.NotEmpty(t, hits)
	require.Contains(t, hits[0].Text, "revenue")
}

func TestMaybeUpdateLongSummaryFiresOnInterval(t *testing.T) {
	s := New()
	s.AppendTurn("t1", "q1", "a1")
	updated := s.MaybeUpdateLongSummary("t1", 1, 1200)
	require.True(t, updated)
	require.NotEmpty(t, s.RetrieveLongSummary("t1"))
}

func TestRingBufferCapsAt40(t *testing.T) {
	s := New()
	for i := 0; i < 50; i++ {
		s.AppendTurn("t1", "q", "a")
	}
	t2 := s.threadFor("t1")
	require.Len(t, t2.turns, ringCapacity)
}
