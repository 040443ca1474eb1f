// Package config loads daemon and client settings from an optional YAML file
// and LEASED_* environment variables. The environment wins.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultServerPort  = 67
	DefaultClientPort  = 68
	DefaultSubject     = "leased.leases"
	DefaultEventBuffer = 256
)

// rawConfig holds every setting after defaults and the file are applied and
// before the environment is read and values are validated.
type rawConfig struct {
	dhcpInterface      string
	dhcpAddress        string
	serverPort         int
	clientPort         int
	leaseTime          time.Duration
	transactionTimeout time.Duration

	httpEnabled bool
	httpAddress string

	natsURL string
	subject string
	buffer  int

	clientDevice       string
	clientServer       string
	clientHardwareAddr string
	clientTimeout      time.Duration
}

func defaults() rawConfig {
	return rawConfig{
		serverPort:         DefaultServerPort,
		clientPort:         DefaultClientPort,
		leaseTime:          30 * time.Second,
		transactionTimeout: 10 * time.Minute,
		httpEnabled:        true,
		httpAddress:        ":8080",
		subject:            DefaultSubject,
		buffer:             DefaultEventBuffer,
		clientTimeout:      5 * time.Second,
	}
}

// Load reads path (skipped when empty) and then the environment. Server-only
// settings are checked by RequireServer.
func Load(path string) (Config, error) {
	raw := defaults()
	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := fc.apply(&raw); err != nil {
			return Config{}, err
		}
	}

	raw.dhcpInterface = getEnv("LEASED_DHCP_INTERFACE", raw.dhcpInterface)
	raw.dhcpAddress = getEnv("LEASED_DHCP_ADDRESS", raw.dhcpAddress)
	raw.httpEnabled = getEnvBool("LEASED_HTTP_ENABLED", raw.httpEnabled)
	raw.httpAddress = getEnv("LEASED_HTTP_ADDRESS", raw.httpAddress)
	raw.natsURL = getEnv("LEASED_NATS_URL", raw.natsURL)
	raw.subject = getEnv("LEASED_EVENTS_SUBJECT", raw.subject)
	raw.buffer = getEnvInt("LEASED_EVENTS_BUFFER", raw.buffer)
	raw.clientDevice = getEnv("LEASED_CLIENT_DEVICE", raw.clientDevice)
	raw.clientServer = getEnv("LEASED_CLIENT_SERVER", raw.clientServer)
	raw.clientHardwareAddr = getEnv("LEASED_CLIENT_HWADDR", raw.clientHardwareAddr)

	var err error
	if raw.serverPort, err = envPort("LEASED_DHCP_PORT", raw.serverPort); err != nil {
		return Config{}, err
	}
	if raw.clientPort, err = envPort("LEASED_DHCP_CLIENT_PORT", raw.clientPort); err != nil {
		return Config{}, err
	}
	if raw.leaseTime, err = envSeconds("LEASED_DHCP_LEASE_SECONDS", raw.leaseTime); err != nil {
		return Config{}, err
	}
	if raw.transactionTimeout, err = envSeconds("LEASED_DHCP_TRANSACTION_TIMEOUT_SECONDS", raw.transactionTimeout); err != nil {
		return Config{}, err
	}
	if raw.clientTimeout, err = envSeconds("LEASED_CLIENT_TIMEOUT_SECONDS", raw.clientTimeout); err != nil {
		return Config{}, err
	}

	return raw.build()
}

func (raw rawConfig) build() (Config, error) {
	cfg := Config{}

	if raw.dhcpAddress != "" {
		prefix, err := netip.ParsePrefix(raw.dhcpAddress)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LEASED_DHCP_ADDRESS: %q", raw.dhcpAddress)
		}
		if !prefix.Addr().Is4() {
			return Config{}, fmt.Errorf("LEASED_DHCP_ADDRESS must be an IPv4 prefix")
		}
		cfg.DHCP.Address = prefix
	}
	for _, p := range []int{raw.serverPort, raw.clientPort} {
		if err := checkPort(p); err != nil {
			return Config{}, err
		}
	}
	if raw.buffer <= 0 {
		return Config{}, fmt.Errorf("LEASED_EVENTS_BUFFER must be positive, got %d", raw.buffer)
	}

	cfg.DHCP.Interface = strings.TrimSpace(raw.dhcpInterface)
	cfg.DHCP.ServerPort = raw.serverPort
	cfg.DHCP.ClientPort = raw.clientPort
	cfg.DHCP.LeaseTime = raw.leaseTime
	cfg.DHCP.TransactionTimeout = raw.transactionTimeout

	cfg.HTTP.Enabled = raw.httpEnabled
	cfg.HTTP.Address = raw.httpAddress

	cfg.Events.NATSURL = raw.natsURL
	cfg.Events.Subject = strings.TrimSuffix(raw.subject, ".")
	cfg.Events.Buffer = raw.buffer

	cfg.Client.Device = raw.clientDevice
	cfg.Client.Server = raw.clientServer
	if cfg.Client.Server == "" {
		cfg.Client.Server = net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(raw.serverPort))
	}
	if raw.clientHardwareAddr != "" {
		if _, err := net.ParseMAC(raw.clientHardwareAddr); err != nil {
			return Config{}, fmt.Errorf("invalid LEASED_CLIENT_HWADDR: %q", raw.clientHardwareAddr)
		}
	}
	cfg.Client.HardwareAddr = raw.clientHardwareAddr
	cfg.Client.Timeout = raw.clientTimeout

	return cfg, nil
}

// RequireServer checks the settings the daemon cannot run without and
// resolves an "auto" interface to the device holding the server address.
func (c *Config) RequireServer() error {
	if !c.DHCP.Address.IsValid() {
		return fmt.Errorf("LEASED_DHCP_ADDRESS is required to serve")
	}
	if c.DHCP.Address.Bits() > 30 {
		return fmt.Errorf("LEASED_DHCP_ADDRESS %s leaves no assignable hosts", c.DHCP.Address)
	}
	name, err := resolveInterface(c.DHCP.Interface, c.DHCP.Address.Addr())
	if err != nil {
		return err
	}
	c.DHCP.Interface = name
	return nil
}

func resolveInterface(spec string, serverIP netip.Addr) (string, error) {
	candidates := make([]string, 0)
	tryAuto := false
	for _, c := range strings.Split(spec, ",") {
		name := strings.TrimSpace(c)
		switch {
		case name == "":
		case strings.EqualFold(name, "auto"):
			tryAuto = true
		default:
			candidates = append(candidates, name)
		}
	}

	if tryAuto {
		return interfaceByIP(serverIP)
	}
	if len(candidates) == 0 {
		return "", nil
	}

	for _, name := range candidates {
		if _, err := net.InterfaceByName(name); err == nil {
			return name, nil
		}
	}

	availableIfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("resolve LEASED_DHCP_INTERFACE: candidates %q not found and unable to list interfaces: %w", candidates, err)
	}
	available := make([]string, 0, len(availableIfaces))
	for _, iface := range availableIfaces {
		available = append(available, iface.Name)
	}
	return "", fmt.Errorf("resolve LEASED_DHCP_INTERFACE: none of the candidates %q are present on this host (available: %s)", candidates, strings.Join(available, ", "))
}

func interfaceByIP(ip netip.Addr) (string, error) {
	if !ip.IsValid() {
		return "", fmt.Errorf("LEASED_DHCP_INTERFACE=auto requires LEASED_DHCP_ADDRESS")
	}
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var candidate net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				candidate = v.IP
			case *net.IPAddr:
				candidate = v.IP
			}
			got, ok := netip.AddrFromSlice(candidate)
			if ok && got.Unmap() == ip {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no network interface found with address %s", ip)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envPort(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not a valid integer", key, v)
	}
	return port, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(secs) * time.Second, nil
}

func checkPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port %d is outside the valid range 1-65535", port)
	}
	return nil
}
