package app

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capable-tools/capable/pkg/aggregator"
	"github.com/capable-tools/capable/pkg/capset"
	"github.com/capable-tools/capable/pkg/config"
	"github.com/capable-tools/capable/pkg/launcher"
)

func TestCapabilitiesStringJoinsWithSpaces(t *testing.T) {
	assert.Equal(t, "CAP_CHOWN CAP_SYS_ADMIN", capabilitiesString([]string{"CAP_CHOWN", "CAP_SYS_ADMIN"}))
	assert.Equal(t, "", capabilitiesString(nil))
}

func TestKnownErrorRecognizesCapabilitiesError(t *testing.T) {
	a := &App{}
	msg, ok := a.KnownError(assertableError{launcher.CapabilitiesError + ": toggle CAP_BPF effective: operation not permitted"})
	require.True(t, ok)
	assert.Equal(t, launcher.CapabilitiesError, msg)
}

func TestKnownErrorIgnoresUnrelatedErrors(t *testing.T) {
	a := &App{}
	_, ok := a.KnownError(assertableError{"no such file or directory"})
	assert.False(t, ok)
}

func TestKnownErrorIgnoresNil(t *testing.T) {
	a := &App{}
	_, ok := a.KnownError(nil)
	assert.False(t, ok)
}

func TestObjectPathDefaultsWithoutEnvOverride(t *testing.T) {
	t.Setenv("CAPABLE_BPF_OBJECT", "")
	assert.Equal(t, defaultObjectPath, objectPath())
}

func TestObjectPathHonorsEnvOverride(t *testing.T) {
	t.Setenv("CAPABLE_BPF_OBJECT", "/tmp/custom.o")
	assert.Equal(t, "/tmp/custom.o", objectPath())
}

func TestStatOtherModeMissingPathIsNotOk(t *testing.T) {
	_, ok := statOtherMode("/does/not/exist/at/all")
	assert.False(t, ok)
}

func TestStatOtherModeReadsWorldBits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world-readable")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	mode, ok := statOtherMode(path)
	require.True(t, ok)
	assert.Equal(t, uint32(0o004), mode&0o007)
}

func TestReportDaemonWritesSortedJSONToOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "daemon.json")
	a := &App{cfg: config.RunConfig{Output: out}}

	entries := map[aggregator.ProcessKey]*aggregator.CapSetEntry{
		{Pid: 20, NS: 2}: {Key: aggregator.ProcessKey{Pid: 20, NS: 2}, Caps: capset.Set(0).Add(capset.SYS_ADMIN)},
		{Pid: 10, NS: 1}: {Key: aggregator.ProcessKey{Pid: 10, NS: 1}, Caps: capset.Set(0).Add(capset.CHOWN)},
	}

	require.NoError(t, a.reportDaemon(entries))

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	var rows []daemonRow
	require.NoError(t, json.Unmarshal(data, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, int32(10), rows[0].Pid)
	assert.Equal(t, "CAP_CHOWN", rows[0].Capabilities)
	assert.Equal(t, int32(20), rows[1].Pid)
	assert.Equal(t, "CAP_SYS_ADMIN", rows[1].Capabilities)
}

type assertableError struct{ msg string }

func (e assertableError) Error() string { return e.msg }
