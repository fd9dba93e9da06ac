package capset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capable-tools/capable/pkg/capset"
)

func TestFromIndexRejectsUnknown(t *testing.T) {
	_, ok := capset.FromIndex(41)
	assert.False(t, ok)

	c, ok := capset.FromIndex(40)
	assert.True(t, ok)
	assert.Equal(t, "CAP_CHECKPOINT_RESTORE", c.String())
}

func TestParseListAll(t *testing.T) {
	s, err := capset.ParseList("ALL")
	assert.NoError(t, err)
	assert.Equal(t, []string{"ALL"}, s.ToPolicyList())
}

func TestParseListMixedCase(t *testing.T) {
	s, err := capset.ParseList("cap_chown, NET_ADMIN")
	assert.NoError(t, err)
	assert.True(t, s.Has(capset.CHOWN))
	assert.True(t, s.Has(capset.NET_ADMIN))
	assert.False(t, s.Has(capset.SYS_ADMIN))
}

func TestEveryCapHasExactlyOneName(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 41; i++ {
		c, ok := capset.FromIndex(uint8(i))
		assert.True(t, ok)
		name := c.String()
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true
	}
	assert.Len(t, seen, 41)
}

func TestAllCollapse(t *testing.T) {
	full := capset.All()
	assert.Equal(t, []string{"ALL"}, full.ToPolicyList())

	partial := capset.Set(0).Add(capset.CHOWN)
	for _, n := range partial.ToPolicyList() {
		assert.NotEqual(t, "ALL", n)
	}
}
