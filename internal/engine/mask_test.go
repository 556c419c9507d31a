package engine

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskApplyEqualLength(t *testing.T) {
	m := NewMaskManager("*")
	require.True(t, m.Add("轮奸"))
	require.True(t, m.Add("bomb"))

	cases := []string{
		"他在书中提到轮奸这一罪行。",
		"a bomb in the text",
		"轮奸bomb轮奸",
		"no keywords here",
		"",
	}
	for _, text := range cases {
		masked := m.Apply(text)
		assert.Equal(t, utf8.RuneCountInString(text), utf8.RuneCountInString(masked),
			"equal-length invariant broken for %q", text)
	}

	assert.Equal(t, "他在书中提到**这一罪行。", m.Apply("他在书中提到轮奸这一罪行。"))
	assert.Equal(t, "a **** in the text", m.Apply("a bomb in the text"))
}

func TestMaskApplyLongestFirst(t *testing.T) {
	m := NewMaskManager("*")
	m.Add("奸")
	m.Add("轮奸")

	// The longer keyword must be replaced as a unit, not broken by the
	// shorter one: masking "奸" first would leave "轮*", in which "轮奸"
	// no longer matches.
	assert.Equal(t, "**", m.Apply("轮奸"))
	assert.Equal(t, "*", m.Apply("奸"))
}

func TestMaskApplyIdempotentAndMonotonic(t *testing.T) {
	m := NewMaskManager("*")
	m.Add("abc")

	text := "xxabcxx"
	once := m.Apply(text)
	assert.Equal(t, once, m.Apply(once))

	before := len(m.Apply(text))
	m.Add("xx")
	assert.Equal(t, before, len(m.Apply(text)), "adding keywords never changes length")
	assert.Equal(t, "*****yz", m.Apply("xxabcyz"))
}

func TestMaskAddDuplicate(t *testing.T) {
	m := NewMaskManager("*")
	assert.True(t, m.Add("kw"))
	assert.False(t, m.Add("kw"))
	assert.False(t, m.Add(""))
	assert.Equal(t, 1, m.Count())
}

func TestMaskReset(t *testing.T) {
	m := NewMaskManager("*")
	m.Add("kw")
	m.Reset()
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, "kw", m.Apply("kw"))
}

func TestFullyMasked(t *testing.T) {
	m := NewMaskManager("*")
	assert.True(t, m.FullyMasked("****"))
	assert.True(t, m.FullyMasked("**  **\n*"))
	assert.False(t, m.FullyMasked("**a*"))
	assert.False(t, m.FullyMasked("   "))
	assert.False(t, m.FullyMasked(""))
}
