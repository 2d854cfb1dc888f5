package modeltype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/driftlab/driftsync/internal/jsonx"
)

func TestSetBasicOps(t *testing.T) {
	s := NewSet(Bookmarks, Passwords)
	assert.True(t, s.Has(Bookmarks))
	assert.True(t, s.Has(Passwords))
	assert.False(t, s.Has(Themes))
	assert.Equal(t, 2, s.Len())
	assert.False(t, s.Empty())

	s = s.Without(Passwords)
	assert.False(t, s.Has(Passwords))
	assert.Equal(t, 1, s.Len())

	var zero Set
	assert.True(t, zero.Empty())
}

func TestSetIgnoresInvalidMembers(t *testing.T) {
	s := NewSet(Unspecified, ModelType(99), Bookmarks)
	assert.Equal(t, NewSet(Bookmarks), s)
}

func TestSetAlgebra(t *testing.T) {
	a := NewSet(Bookmarks, Themes)
	b := NewSet(Themes, Sessions)

	assert.Equal(t, NewSet(Bookmarks, Themes, Sessions), Union(a, b))
	assert.Equal(t, NewSet(Themes), Intersect(a, b))
	assert.Equal(t, NewSet(Bookmarks), Difference(a, b))
	assert.True(t, Union(a, b).HasAll(a))
	assert.False(t, a.HasAll(b))
}

func TestSetTypesOrdered(t *testing.T) {
	s := NewSet(Sessions, Bookmarks, Nigori)
	assert.Equal(t, []ModelType{Bookmarks, Nigori, Sessions}, s.Types())
}

func TestAllRealTypes(t *testing.T) {
	all := AllRealTypes()
	assert.Equal(t, int(LastRealType-FirstRealType)+1, all.Len())
	assert.False(t, all.Has(Unspecified))
	assert.False(t, all.Has(TopLevelFolder))
}

func TestSetJSONRoundTrip(t *testing.T) {
	s := NewSet(Bookmarks, TypedURLs)
	data, err := jsonx.Marshal(s)
	require.NoError(t, err)

	var back Set
	require.NoError(t, jsonx.Unmarshal(data, &back))
	assert.True(t, s.Equal(back))

	var bad Set
	assert.Error(t, jsonx.Unmarshal([]byte(`["Nope"]`), &bad))
}

func TestSetYAMLRoundTrip(t *testing.T) {
	s := NewSet(Preferences, Apps)
	data, err := yaml.Marshal(s)
	require.NoError(t, err)

	var back Set
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.True(t, s.Equal(back))
}

func TestMatchPatterns(t *testing.T) {
	s, err := MatchPatterns([]string{"*"})
	require.NoError(t, err)
	assert.Equal(t, AllRealTypes(), s)

	s, err = MatchPatterns([]string{"bookmark", "password"})
	require.NoError(t, err)
	assert.Equal(t, NewSet(Bookmarks, Passwords), s)

	s, err = MatchPatterns([]string{"autofill*"})
	require.NoError(t, err)
	assert.Equal(t, NewSet(Autofill, AutofillProfiles), s)

	_, err = MatchPatterns([]string{"floppy*"})
	assert.Error(t, err)
}

func TestPayloadMapMerge(t *testing.T) {
	m := PayloadMapFromSet(NewSet(Bookmarks, Themes), "")
	m.Merge(PayloadMap{Themes: "v2", Sessions: "s1"})

	assert.Equal(t, NewSet(Bookmarks, Themes, Sessions), m.TypeSet())
	assert.Equal(t, "v2", m[Themes])
	assert.Equal(t, "s1", m[Sessions])
	assert.Equal(t, "", m[Bookmarks])
}

func TestPayloadMapCopyIsIndependent(t *testing.T) {
	m := PayloadMap{Bookmarks: "a"}
	c := m.Copy()
	c[Bookmarks] = "b"
	assert.Equal(t, "a", m[Bookmarks])
}
