package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capable-tools/capable/pkg/config"
)

func TestDefaultHasInfoLogLevel(t *testing.T) {
	assert.Equal(t, "info", config.Default().LogLevel)
}

func TestValidateRejectsEmptyCommand(t *testing.T) {
	err := config.Default().Validate()
	assert.Error(t, err)
}

func TestValidateAcceptsACommand(t *testing.T) {
	c := config.Default()
	c.Command = []string{"/bin/ls"}
	assert.NoError(t, c.Validate())
}

func TestValidateAcceptsDaemonWithEmptyCommand(t *testing.T) {
	c := config.Default()
	c.Daemon = true
	assert.NoError(t, c.Validate())
}
