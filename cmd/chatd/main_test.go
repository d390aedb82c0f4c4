package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	f, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", f.ConfigPath)
	assert.Empty(t, f.Addr)

	f, err = parseFlags([]string{"-c", "chatd.toml", "--addr", ":9000", "--log-level=debug"})
	require.NoError(t, err)
	assert.Equal(t, cliFlags{ConfigPath: "chatd.toml", Addr: ":9000", LogLevel: "debug"}, f)

	_, err = parseFlags([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)

	_, err = parseFlags([]string{"--bogus"})
	assert.Error(t, err)
}
