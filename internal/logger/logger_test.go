package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewRespectsConfiguredLevel(t *testing.T) {
	log := New(int(zerolog.WarnLevel), "json", false)
	require.Equal(t, zerolog.WarnLevel, log.GetLevel())
}

func TestNewDebugLowersQuieterLevel(t *testing.T) {
	log := New(int(zerolog.InfoLevel), "json", true)
	require.Equal(t, zerolog.DebugLevel, log.GetLevel())
}

func TestNewDebugKeepsVerboserLevel(t *testing.T) {
	log := New(int(zerolog.TraceLevel), "console", true)
	require.Equal(t, zerolog.TraceLevel, log.GetLevel())
}
