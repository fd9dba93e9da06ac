package nstree_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capable-tools/capable/pkg/capset"
	"github.com/capable-tools/capable/pkg/nstree"
)

func TestNestedNamespaceUnion(t *testing.T) {
	const root uint32 = 4026531836
	const child uint32 = 4026532100

	g := nstree.New()
	g.Add(0, root, capset.Set(0).Add(capset.CHOWN))
	g.Add(root, child, capset.Set(0).Add(capset.NET_BIND_SERVICE))

	union := g.Union(root)
	assert.True(t, union.Has(capset.CHOWN))
	assert.True(t, union.Has(capset.NET_BIND_SERVICE))
}

func TestTreeContainment(t *testing.T) {
	const root uint32 = 1
	const mid uint32 = 2
	const leaf uint32 = 3

	g := nstree.New()
	g.Add(0, root, capset.Set(0).Add(capset.SYS_ADMIN))
	g.Add(root, mid, capset.Set(0).Add(capset.NET_ADMIN))
	g.Add(mid, leaf, capset.Set(0).Add(capset.CHOWN))

	union := g.Union(root)
	for _, n := range []uint32{root, mid, leaf} {
		assert.True(t, g.Contains(root, n))
		assert.True(t, g.CapsOf(n).Union(0)&^union == 0, "caps[%d] must be subset of union", n)
	}
}

func TestSelfLoopGuard(t *testing.T) {
	const root uint32 = 42

	g := nstree.New()
	g.Add(root, root, capset.Set(0).Add(capset.BPF))

	done := make(chan capset.Set, 1)
	go func() { done <- g.Union(root) }()

	select {
	case union := <-done:
		assert.True(t, union.Has(capset.BPF))
	case <-time.After(time.Second):
		t.Fatal("Union did not return: self-loop not guarded")
	}
}
