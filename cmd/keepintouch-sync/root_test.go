package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_RegistersCommands(t *testing.T) {
	root := newRootCmd()

	for _, name := range []string{"worker", "tick", "serve", "migrate", "token"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	set, _, err := root.Find([]string{"token", "set"})
	require.NoError(t, err)
	assert.Equal(t, "set", set.Name())
}

func TestWorkerCmd_HTTPFlag(t *testing.T) {
	cmd := newWorkerCmd()
	flag := cmd.Flags().Lookup("http")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestTokenSet_RequiresFlags(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"token", "set", "--user-id", "user-1"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--refresh-token")
}
