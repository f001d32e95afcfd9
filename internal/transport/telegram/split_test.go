package telegram

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "feedbot/pkg/logx"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
	assert.Equal(t, []string{""}, splitText("", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(s, 10, ""))
}

func TestSplitTextHardCut(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("é", 25)
	got := splitText(s, 10, "")
	require.Len(t, got, 3)
	for _, c := range got[:2] {
		assert.Equal(t, 10, utf8.RuneCountInString(c))
	}
	assert.Equal(t, s, strings.Join(got, ""))
}

func TestSplitTextKeepsHTMLTags(t *testing.T) {
	t.Parallel()
	s := "abcdefgh<b>x</b>"
	got := splitText(s, 10, "HTML")
	assert.Equal(t, []string{"abcdefgh", "<b>x</b>"}, got)
	assert.Equal(t, s, strings.Join(got, ""))
}

func TestDefaultLimit(t *testing.T) {
	t.Parallel()
	got := splitText(strings.Repeat("x", textLimit+1), 0, "")
	require.Len(t, got, 2)
	assert.Len(t, got[1], 1)
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)

	b, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	require.NoError(t, err)
	assert.NoError(t, b.Stop(context.Background()))
}
