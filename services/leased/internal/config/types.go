package config

import (
	"net/netip"
	"time"
)

type Config struct {
	DHCP   DHCPConfig
	HTTP   HTTPConfig
	Events EventsConfig
	Client ClientConfig
}

type DHCPConfig struct {
	// Interface is the device the listener binds to. Empty binds all devices.
	Interface          string
	Address            netip.Prefix
	ServerPort         int
	ClientPort         int
	LeaseTime          time.Duration
	TransactionTimeout time.Duration
}

type HTTPConfig struct {
	Enabled bool
	Address string
}

type EventsConfig struct {
	// NATSURL is empty when event publishing is disabled.
	NATSURL string
	Subject string
	Buffer  int
}

type ClientConfig struct {
	Device       string
	Server       string
	HardwareAddr string
	Timeout      time.Duration
}
