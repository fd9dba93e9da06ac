package launcher

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodeOfNilIsZero(t *testing.T) {
	assert.Equal(t, 0, exitCodeOf(nil))
}

func TestExitCodeOfNonExitErrorIsMinusOne(t *testing.T) {
	assert.Equal(t, -1, exitCodeOf(errors.New("boom")))
}

func TestExitCodeOfExitError(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 3")
	err := cmd.Run()
	require.Error(t, err)
	assert.Equal(t, 3, exitCodeOf(err))
}

func TestPollExitReturnsImmediatelyWhenReady(t *testing.T) {
	done := make(chan error, 1)
	done <- nil
	err, ok := pollExit(done)
	require.True(t, ok)
	assert.NoError(t, err)
}

func TestPollExitTimesOutWhenNeverReady(t *testing.T) {
	done := make(chan error)
	_, ok := pollExit(done)
	assert.False(t, ok)
}

func TestLaunchRejectsEmptyCommand(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	_, err := Launch(context.Background(), log, Config{})
	assert.Error(t, err)
}

func TestPidNamespaceInodeOfInit(t *testing.T) {
	ino, ok, err := pidNamespaceInode(1)
	if err != nil {
		t.Skip("no /proc/1/ns/pid visible in this sandbox")
	}
	assert.True(t, ok)
	assert.NotZero(t, ino)
}

func TestPollExitTimingIsBounded(t *testing.T) {
	done := make(chan error)
	start := time.Now()
	_, ok := pollExit(done)
	elapsed := time.Since(start)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, watchdogRounds*watchdogPoll)
}

func TestShellJoinQuotesArgumentsWithSpaces(t *testing.T) {
	got := shellJoin([]string{"echo", "hello world", "it's"})
	assert.Equal(t, `'echo' 'hello world' 'it'\''s'`, got)
}

func TestBuildExecCommandFallsBackToShWithoutStraceLogPath(t *testing.T) {
	path, args, err := buildExecCommand(Config{Command: []string{"true"}})
	require.NoError(t, err)
	assert.Contains(t, path, "sh")
	require.Len(t, args, 2)
	assert.Equal(t, "-c", args[0])
}
