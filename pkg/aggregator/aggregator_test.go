package aggregator_test

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capable-tools/capable/pkg/aggregator"
	"github.com/capable-tools/capable/pkg/capset"
	"github.com/capable-tools/capable/pkg/probe"
)

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(nil)
	log.Out = logrusDiscard{}
	return logrus.NewEntry(log)
}

type logrusDiscard struct{}

func (logrusDiscard) Write(p []byte) (int, error) { return len(p), nil }

func fakeSymbols(names ...string) *aggregator.SymbolTable {
	var buf strings.Builder
	addr := uint64(0x1000)
	for _, n := range names {
		buf.WriteString(hex(addr))
		buf.WriteString(" t ")
		buf.WriteString(n)
		buf.WriteString("\n")
		addr += 0x100
	}
	tbl, err := aggregator.ParseKernelSymbols(strings.NewReader(buf.String()))
	if err != nil {
		panic(err)
	}
	return tbl
}

func hex(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var b [16]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = digits[v%16]
		v /= 16
	}
	return string(b[i:])
}

func TestChownProbeSurvives(t *testing.T) {
	ksyms := fakeSymbols("vfs_chown")
	req := probe.Request{Pid: 10, Ppid: 1, UidGid: 1000, Capability: uint8(capset.CHOWN), StackID: 1}
	loader := probe.NewFakeLoader([]probe.Request{req}, map[int64][]uint64{1: {0x1000}})

	agg := aggregator.New(discardLogger(), ksyms)
	entries, err := agg.Drain(loader)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	for _, e := range entries {
		assert.True(t, e.Caps.Has(capset.CHOWN))
	}
}

func TestSetuidSuppressedOnSuidExec(t *testing.T) {
	ksyms := fakeSymbols("cap_bprm_creds_from_file")
	req := probe.Request{Pid: 11, Ppid: 1, Capability: uint8(capset.SETUID), StackID: 1}
	loader := probe.NewFakeLoader([]probe.Request{req}, map[int64][]uint64{1: {0x1000}})

	agg := aggregator.New(discardLogger(), ksyms)
	entries, err := agg.Drain(loader)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.Caps.Has(capset.SETUID))
	}
}

func TestSetuidSurvivesOtherStack(t *testing.T) {
	ksyms := fakeSymbols("some_other_fn")
	req := probe.Request{Pid: 12, Ppid: 1, Capability: uint8(capset.SETUID), StackID: 1}
	loader := probe.NewFakeLoader([]probe.Request{req}, map[int64][]uint64{1: {0x1000}})

	agg := aggregator.New(discardLogger(), ksyms)
	entries, err := agg.Drain(loader)
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.Caps.Has(capset.SETUID))
	}
}

// may_open in the stack suppresses DAC_READ_SEARCH; any other stack
// leaves it in place.
func TestMayOpenSuppressesDacReadSearch(t *testing.T) {
	ksyms := fakeSymbols("may_open")
	req := probe.Request{Pid: 13, Ppid: 1, Capability: uint8(capset.DAC_READ_SEARCH), StackID: 1}
	loader := probe.NewFakeLoader([]probe.Request{req}, map[int64][]uint64{1: {0x1000}})

	agg := aggregator.New(discardLogger(), ksyms)
	entries, err := agg.Drain(loader)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.Caps.Has(capset.DAC_READ_SEARCH))
	}
}

func TestDacReadSearchSurvivesOtherStack(t *testing.T) {
	ksyms := fakeSymbols("path_lookupat")
	req := probe.Request{Pid: 14, Ppid: 1, Capability: uint8(capset.DAC_READ_SEARCH), StackID: 1}
	loader := probe.NewFakeLoader([]probe.Request{req}, map[int64][]uint64{1: {0x1000}})

	agg := aggregator.New(discardLogger(), ksyms)
	entries, err := agg.Drain(loader)
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.Caps.Has(capset.DAC_READ_SEARCH))
	}
}

// DAC_OVERRIDE and SYS_PTRACE are always dropped, regardless of stack.
func TestDacOverrideAndPtraceAlwaysDropped(t *testing.T) {
	loader := probe.NewFakeLoader([]probe.Request{
		{Pid: 15, Ppid: 1, Capability: uint8(capset.DAC_OVERRIDE), StackID: -1},
		{Pid: 15, Ppid: 1, Capability: uint8(capset.SYS_PTRACE), StackID: -1},
	}, nil)

	agg := aggregator.New(discardLogger(), nil)
	entries, err := agg.Drain(loader)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.Caps.Has(capset.DAC_OVERRIDE))
		assert.False(t, e.Caps.Has(capset.SYS_PTRACE))
	}
}

func TestIdempotentMerge(t *testing.T) {
	req := probe.Request{Pid: 20, Ppid: 1, Capability: uint8(capset.CHOWN), StackID: -1}
	loader := probe.NewFakeLoader([]probe.Request{req, req}, nil)

	agg := aggregator.New(discardLogger(), nil)
	entries, err := agg.Drain(loader)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	for _, e := range entries {
		assert.Equal(t, capset.Set(0).Add(capset.CHOWN), e.Caps)
	}
}

// Commutativity: order of the Request stream does not matter.
func TestCommutativity(t *testing.T) {
	a := probe.Request{Pid: 21, Ppid: 1, Capability: uint8(capset.CHOWN), StackID: -1}
	b := probe.Request{Pid: 21, Ppid: 1, Capability: uint8(capset.NET_ADMIN), StackID: -1}

	agg1 := aggregator.New(discardLogger(), nil)
	e1, err := agg1.Drain(probe.NewFakeLoader([]probe.Request{a, b}, nil))
	require.NoError(t, err)

	agg2 := aggregator.New(discardLogger(), nil)
	e2, err := agg2.Drain(probe.NewFakeLoader([]probe.Request{b, a}, nil))
	require.NoError(t, err)

	require.Len(t, e1, 1)
	require.Len(t, e2, 1)
	for _, entry1 := range e1 {
		for _, entry2 := range e2 {
			assert.Equal(t, entry1.Caps, entry2.Caps)
		}
	}
}

// Unknown capability indices are fatal.
func TestUnknownCapabilityIsFatal(t *testing.T) {
	req := probe.Request{Pid: 22, Ppid: 1, Capability: 41, StackID: -1}
	loader := probe.NewFakeLoader([]probe.Request{req}, nil)

	agg := aggregator.New(discardLogger(), nil)
	_, err := agg.Drain(loader)
	assert.Error(t, err)
}
