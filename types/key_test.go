package types

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyEncodingPreservesOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	keys := make([]Key, 200)
	for i := range keys {
		keys[i] = Key{
			Localization: uint32(rng.Intn(3)),
			ObjID:        uint64(rng.Intn(4)),
			RecType:      RecType(rng.Intn(3) + 0x10),
			Key:          rng.Int63n(1000) - 500,
			CreateTID:    TID(rng.Intn(10)),
		}
	}

	byLogical := append([]Key(nil), keys...)
	sort.Slice(byLogical, func(i, j int) bool { return byLogical[i].Compare(byLogical[j]) < 0 })

	byBytes := append([]Key(nil), keys...)
	sort.Slice(byBytes, func(i, j int) bool { return bytes.Compare(byBytes[i].Bytes(), byBytes[j].Bytes()) < 0 })

	for i := range byLogical {
		require.Equal(t, 0, byLogical[i].Compare(byBytes[i]), "position %d", i)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	k := Key{Localization: 2, ObjID: 99, RecType: RecTypeData, Key: -42, CreateTID: 17}
	got, err := DecodeKey(k.Bytes())
	require.NoError(t, err)
	require.Equal(t, k, got)
}

func TestKeyLevel(t *testing.T) {
	base := Key{ObjID: 1, RecType: RecTypeData, Key: 100, CreateTID: 5}

	other := base
	other.CreateTID = 9
	require.Equal(t, -1, base.Level(other))

	other = base
	other.Key = 50
	require.Equal(t, 2, base.Level(other))

	other = base
	other.RecType = RecTypeInode
	require.Equal(t, 3, base.Level(other))

	other = base
	other.ObjID = 2
	require.Equal(t, -4, base.Level(other))

	require.Equal(t, 0, base.Level(base))
}

func TestLeafVisibility(t *testing.T) {
	l := Leaf{Key: Key{CreateTID: 10}, DeleteTID: 20}
	require.False(t, l.VisibleAt(9))
	require.True(t, l.VisibleAt(10))
	require.True(t, l.VisibleAt(19))
	require.False(t, l.VisibleAt(20))

	live := Leaf{Key: Key{CreateTID: 10}}
	require.True(t, live.VisibleAt(MaxTID))
	require.NoError(t, live.Validate())

	bad := Leaf{Key: Key{CreateTID: 10}, DeleteTID: 10}
	require.Error(t, bad.Validate())
}

func TestLeafDataBase(t *testing.T) {
	l := Leaf{Key: Key{RecType: RecTypeData, Key: 150}, DataLen: 50}
	require.Equal(t, int64(100), l.DataBase())

	decoded, err := DecodeLeaf(l.Key.Bytes(), l.ValueBytes())
	require.NoError(t, err)
	require.Equal(t, l, decoded)
}
