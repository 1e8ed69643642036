package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSetupLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	Setup("debug", false)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	Setup("nonsense", false)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
