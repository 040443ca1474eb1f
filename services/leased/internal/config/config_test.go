package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"LEASED_DHCP_INTERFACE", "LEASED_DHCP_ADDRESS", "LEASED_DHCP_PORT",
	"LEASED_DHCP_CLIENT_PORT", "LEASED_DHCP_LEASE_SECONDS",
	"LEASED_DHCP_TRANSACTION_TIMEOUT_SECONDS", "LEASED_HTTP_ENABLED",
	"LEASED_HTTP_ADDRESS", "LEASED_NATS_URL", "LEASED_EVENTS_SUBJECT",
	"LEASED_EVENTS_BUFFER", "LEASED_CLIENT_DEVICE", "LEASED_CLIENT_SERVER",
	"LEASED_CLIENT_HWADDR", "LEASED_CLIENT_TIMEOUT_SECONDS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leased.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.DHCP.Address.IsValid())
	assert.Equal(t, 67, cfg.DHCP.ServerPort)
	assert.Equal(t, 68, cfg.DHCP.ClientPort)
	assert.Equal(t, 30*time.Second, cfg.DHCP.LeaseTime)
	assert.Equal(t, 10*time.Minute, cfg.DHCP.TransactionTimeout)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Empty(t, cfg.Events.NATSURL)
	assert.Equal(t, "leased.leases", cfg.Events.Subject)
	assert.Equal(t, 256, cfg.Events.Buffer)
	assert.Equal(t, "255.255.255.255:67", cfg.Client.Server)
	assert.Equal(t, 5*time.Second, cfg.Client.Timeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
dhcp:
  address: 10.0.0.1/24
  port: 1067
  client_port: 1068
  lease_time: 1m
  transaction_timeout: 30s
http:
  enabled: false
  address: 127.0.0.1:9090
events:
  nats_url: nats://localhost:4222
  subject: lab.leases.
  buffer: 8
client:
  hardware_addr: "02:00:00:00:00:01"
  timeout: 2s
`)
	t.Setenv("LEASED_DHCP_LEASE_SECONDS", "45")
	t.Setenv("LEASED_EVENTS_BUFFER", "16")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, netip.MustParsePrefix("10.0.0.1/24"), cfg.DHCP.Address)
	assert.Equal(t, 1067, cfg.DHCP.ServerPort)
	assert.Equal(t, 1068, cfg.DHCP.ClientPort)
	assert.Equal(t, 45*time.Second, cfg.DHCP.LeaseTime)
	assert.Equal(t, 30*time.Second, cfg.DHCP.TransactionTimeout)
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Address)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)
	assert.Equal(t, "lab.leases", cfg.Events.Subject)
	assert.Equal(t, 16, cfg.Events.Buffer)
	assert.Equal(t, "255.255.255.255:1067", cfg.Client.Server)
	assert.Equal(t, "02:00:00:00:00:01", cfg.Client.HardwareAddr)
	assert.Equal(t, 2*time.Second, cfg.Client.Timeout)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "bad prefix", env: map[string]string{"LEASED_DHCP_ADDRESS": "10.0.0.1"}},
		{name: "ipv6 prefix", env: map[string]string{"LEASED_DHCP_ADDRESS": "fd00::1/64"}},
		{name: "port not a number", env: map[string]string{"LEASED_DHCP_PORT": "abc"}},
		{name: "port out of range", env: map[string]string{"LEASED_DHCP_CLIENT_PORT": "70000"}},
		{name: "zero lease", env: map[string]string{"LEASED_DHCP_LEASE_SECONDS": "0"}},
		{name: "bad mac", env: map[string]string{"LEASED_CLIENT_HWADDR": "nope"}},
		{name: "empty buffer", env: map[string]string{"LEASED_EVENTS_BUFFER": "-1"}},
		{name: "bad duration in file", file: "dhcp:\n  lease_time: soon\n"},
		{name: "unknown key in file", file: "dhcp:\n  leases: 3\n"},
		{name: "sub-second lease in file", file: "dhcp:\n  lease_time: 500ms\n"},
		{name: "fractional lease in file", file: "dhcp:\n  lease_time: 1500ms\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeConfig(t, tt.file)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadWholeSecondLeaseFromFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "dhcp:\n  lease_time: 2m30s\n"))
	require.NoError(t, err)
	assert.Equal(t, 150*time.Second, cfg.DHCP.LeaseTime)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadEmptyFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 67, cfg.DHCP.ServerPort)
}

func TestRequireServer(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.RequireServer())

	cfg.DHCP.Address = netip.MustParsePrefix("10.0.0.1/31")
	assert.Error(t, cfg.RequireServer())

	cfg.DHCP.Address = netip.MustParsePrefix("10.0.0.1/24")
	require.NoError(t, cfg.RequireServer())
	assert.Empty(t, cfg.DHCP.Interface)
}

func TestResolveInterface(t *testing.T) {
	loopback := netip.MustParseAddr("127.0.0.1")

	name, err := resolveInterface("", loopback)
	require.NoError(t, err)
	assert.Empty(t, name)

	name, err = resolveInterface("auto", loopback)
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	_, err = resolveInterface("auto", netip.Addr{})
	assert.Error(t, err)

	_, err = resolveInterface("definitely-not-a-nic0", loopback)
	assert.Error(t, err)
}
