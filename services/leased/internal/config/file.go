package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML. Zero values leave the defaults alone.
type fileConfig struct {
	DHCP struct {
		Interface          string `yaml:"interface"`
		Address            string `yaml:"address"`
		Port               int    `yaml:"port"`
		ClientPort         int    `yaml:"client_port"`
		LeaseTime          string `yaml:"lease_time"`
		TransactionTimeout string `yaml:"transaction_timeout"`
	} `yaml:"dhcp"`
	HTTP struct {
		Enabled *bool  `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"http"`
	Events struct {
		NATSURL string `yaml:"nats_url"`
		Subject string `yaml:"subject"`
		Buffer  int    `yaml:"buffer"`
	} `yaml:"events"`
	Client struct {
		Device       string `yaml:"device"`
		Server       string `yaml:"server"`
		HardwareAddr string `yaml:"hardware_addr"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"client"`
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func (fc fileConfig) apply(raw *rawConfig) error {
	setString(&raw.dhcpInterface, fc.DHCP.Interface)
	setString(&raw.dhcpAddress, fc.DHCP.Address)
	setInt(&raw.serverPort, fc.DHCP.Port)
	setInt(&raw.clientPort, fc.DHCP.ClientPort)
	if err := setDuration(&raw.leaseTime, "dhcp.lease_time", fc.DHCP.LeaseTime); err != nil {
		return err
	}
	if raw.leaseTime%time.Second != 0 {
		return fmt.Errorf("invalid dhcp.lease_time: %q is not a whole number of seconds", fc.DHCP.LeaseTime)
	}
	if err := setDuration(&raw.transactionTimeout, "dhcp.transaction_timeout", fc.DHCP.TransactionTimeout); err != nil {
		return err
	}
	if fc.HTTP.Enabled != nil {
		raw.httpEnabled = *fc.HTTP.Enabled
	}
	setString(&raw.httpAddress, fc.HTTP.Address)
	setString(&raw.natsURL, fc.Events.NATSURL)
	setString(&raw.subject, fc.Events.Subject)
	setInt(&raw.buffer, fc.Events.Buffer)
	setString(&raw.clientDevice, fc.Client.Device)
	setString(&raw.clientServer, fc.Client.Server)
	setString(&raw.clientHardwareAddr, fc.Client.HardwareAddr)
	return setDuration(&raw.clientTimeout, "client.timeout", fc.Client.Timeout)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, field, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid %s: %q", field, v)
	}
	*dst = d
	return nil
}
