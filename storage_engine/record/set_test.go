package record

import (
	"testing"

	"TideDB/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPFS = 1
	testObj = 42
)

func dirKey(n int64, tid types.TID) types.Key {
	return types.Key{Localization: testPFS, ObjID: testObj, RecType: types.RecTypeDirEntry, Key: n, CreateTID: tid}
}

func live(n int64, tid types.TID) *Record {
	return &Record{Leaf: types.Leaf{Key: dirKey(n, tid)}}
}

func tomb(n int64, tid, del types.TID) *Record {
	return &Record{Leaf: types.Leaf{Key: dirKey(n, tid), DeleteTID: del}, Tombstone: true}
}

func TestSetOrdersTombstonesAfterLive(t *testing.T) {
	s := NewSet(testPFS, testObj)
	require.NoError(t, s.Insert(tomb(5, 3, 9)))
	require.NoError(t, s.Insert(live(5, 9)))
	require.NoError(t, s.Insert(live(5, 4)))
	require.NoError(t, s.Insert(live(1, 20)))

	var got []string
	for _, r := range s.Records() {
		got = append(got, r.String())
	}
	assert.Equal(t, []string{
		live(1, 20).String(),
		live(5, 4).String(),
		live(5, 9).String(),
		tomb(5, 3, 9).String(),
	}, got)
}

func TestSetInsertRejectsDuplicates(t *testing.T) {
	s := NewSet(testPFS, testObj)
	gen := s.Generation()

	require.NoError(t, s.Insert(live(7, 2)))
	require.Greater(t, s.Generation(), gen)
	require.ErrorIs(t, s.Insert(live(7, 2)), ErrExists)

	// a tombstone for the same key is a different record, once
	require.NoError(t, s.Insert(tomb(7, 2, 5)))
	require.ErrorIs(t, s.Insert(tomb(7, 2, 6)), ErrExists)

	other := &Record{Leaf: types.Leaf{Key: types.Key{Localization: testPFS, ObjID: testObj + 1, CreateTID: 1}}}
	require.ErrorIs(t, s.Insert(other), ErrWrongObj)

	bad := &Record{Leaf: types.Leaf{Key: dirKey(8, 5), DeleteTID: 5}, Tombstone: true}
	require.Error(t, s.Insert(bad))

	require.NotNil(t, s.Lookup(dirKey(7, 2)))
	require.NotNil(t, s.LookupTombstone(dirKey(7, 2)))
	require.Nil(t, s.Lookup(dirKey(7, 3)))
}

func TestRecordFlushStates(t *testing.T) {
	s := NewSet(testPFS, testObj)
	a, b := live(1, 1), live(2, 1)
	a.Data = make([]byte, 100)
	require.NoError(t, s.Insert(a))
	require.NoError(t, s.Insert(b))
	require.Equal(t, 100, s.Bytes())

	group := s.BeginFlush()
	require.Equal(t, []*Record{a, b}, group)
	require.Equal(t, StateSetup, a.State())

	// created while the group runs: next group
	c := live(3, 2)
	require.NoError(t, s.Insert(c))
	require.Equal(t, 1, s.Pending())

	require.ErrorIs(t, s.Committed(a), ErrBadState)
	require.NoError(t, s.Flushing(a))
	require.NoError(t, s.Flushing(b))
	require.ErrorIs(t, s.Flushing(b), ErrBadState)

	// b's group failed
	require.NoError(t, s.Requeue(b))
	require.Equal(t, StateIdle, b.State())

	gen := s.Generation()
	require.NoError(t, s.Committed(a))
	require.Greater(t, s.Generation(), gen)
	require.Equal(t, 0, s.Bytes())
	require.Nil(t, s.Lookup(a.Leaf.Key))
	require.ErrorIs(t, s.Remove(a), ErrNotPending)

	require.Equal(t, []*Record{b, c}, s.BeginFlush())
}

func TestSetRangeAndRemoveIdle(t *testing.T) {
	s := NewSet(testPFS, testObj)
	for i := int64(1); i <= 6; i++ {
		require.NoError(t, s.Insert(live(i, types.TID(i))))
	}

	in := s.Range(dirKey(2, 0), dirKey(4, types.MaxTID))
	require.Len(t, in, 3)
	assert.Equal(t, int64(2), in[0].Leaf.Key.Key)
	assert.Equal(t, int64(4), in[2].Leaf.Key.Key)

	picked := s.BeginFlush()
	require.Len(t, picked, 6)
	assert.Empty(t, s.Idle())
	assert.False(t, s.RemoveIdle(in[0]), "a record in a flush group stays")

	require.NoError(t, s.Requeue(in[0]))
	require.Len(t, s.Idle(), 1)
	assert.True(t, s.RemoveIdle(in[0]))
	assert.Equal(t, 5, s.Len())
	assert.False(t, s.RemoveIdle(in[0]))
}
