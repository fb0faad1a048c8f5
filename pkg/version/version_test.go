package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	v, err := Parse("5-aaa")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.N)
	assert.Equal(t, "aaa", v.Tag)
	assert.False(t, v.IsInf())
}

func TestParseInf(t *testing.T) {
	v, err := Parse("INF-zzz")
	require.NoError(t, err)
	assert.True(t, v.IsInf())
	assert.Equal(t, "zzz", v.Tag)
}

func TestParseEmptyIsLoadingSentinel(t *testing.T) {
	v, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.N)
	assert.False(t, v.IsInf())
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("notaversion")
	assert.Error(t, err)

	_, err = Parse("-5-aaa")
	assert.Error(t, err)
}

func TestDominatesNumeric(t *testing.T) {
	older, _ := Parse("4-zzz")
	newer, _ := Parse("5-aaa")
	assert.True(t, newer.Dominates(older))
	assert.False(t, older.Dominates(newer))
}

func TestDominatesTagTiebreak(t *testing.T) {
	a, _ := Parse("5-aaa")
	b, _ := Parse("5-zzz")
	assert.True(t, b.Dominates(a))
	assert.False(t, a.Dominates(b))
	// an exact duplicate is not a win: the stored side keeps its place.
	assert.False(t, a.Dominates(a))
}

func TestDominatesInfIsMaximal(t *testing.T) {
	inf, _ := Parse("INF-xxx")
	huge, _ := Parse("999999-zzz")
	assert.True(t, inf.Dominates(huge))
	assert.False(t, huge.Dominates(inf))
}

func TestDominatesInfVsInfNeitherWins(t *testing.T) {
	first, _ := Parse("INF-aaa")
	second, _ := Parse("INF-zzz")

	assert.False(t, second.Dominates(first), "once stored is INF, a later INF must not overwrite it")
	assert.False(t, first.Dominates(second))
}

func TestScenario5UpdateOrdering(t *testing.T) {
	cur, _ := Parse("5-aaa")

	stale, _ := Parse("4-zzz")
	assert.True(t, cur.Dominates(stale), "stale update must be dropped")

	tagWins, _ := Parse("5-zzz")
	assert.False(t, cur.Dominates(tagWins), "higher tag at same n must be accepted")

	cur = tagWins
	inf, _ := Parse("INF-qqq")
	assert.False(t, cur.Dominates(inf), "INF must be accepted over any finite version")

	cur = inf
	after, _ := Parse("999-aaa")
	assert.True(t, cur.Dominates(after), "nothing dominates INF")
}

func TestParserUsesConfiguredTagLength(t *testing.T) {
	p := NewParser(4)

	loading, err := p.Parse("")
	require.NoError(t, err)
	assert.Equal(t, "0000", loading.Tag)

	missingTag, err := p.Parse("5-")
	require.NoError(t, err)
	assert.Equal(t, "0000", missingTag.Tag)
}

func TestNewParserNonPositiveFallsBackToDefault(t *testing.T) {
	p := NewParser(0)
	v, err := p.Parse("")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0", DefaultTagLength), v.Tag)
}

func TestInRange(t *testing.T) {
	assert.True(t, InRange("5-aaa"))
	assert.False(t, InRange("0-aaa"))
	assert.False(t, InRange("INF-aaa"))
	assert.False(t, InRange("notaversion"))
}
