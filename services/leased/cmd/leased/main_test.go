package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.Equal(t, "serve", serve.Name())
	assert.NotNil(t, serve.Flags().Lookup("config"))
}

func TestServeRequiresAddress(t *testing.T) {
	t.Setenv("LEASED_DHCP_ADDRESS", "")
	err := run(context.Background(), "")
	assert.ErrorContains(t, err, "LEASED_DHCP_ADDRESS is required")
}

func TestServeRejectsMissingConfigFile(t *testing.T) {
	err := run(context.Background(), t.TempDir()+"/missing.yaml")
	assert.ErrorContains(t, err, "load config")
}
