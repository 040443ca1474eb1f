package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"leased/pkg/bus"
	"leased/services/leased/internal/client"
	"leased/services/leased/internal/config"
	"leased/services/leased/internal/packet"
	"leased/services/leased/internal/server"
	"leased/services/leased/internal/transport"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	hwaddr     string
	verbose    bool
}

func newRootCommand(out io.Writer) *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           "leasectl",
		Short:         "Request, renew and release leases from a leased server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Optional YAML config file; LEASED_* variables override it")
	cmd.PersistentFlags().StringVar(&g.hwaddr, "hwaddr", "", "Hardware address to present (defaults to the host node ID)")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log protocol exchanges to stderr")

	cmd.AddCommand(newDiscoverCommand(&g))
	cmd.AddCommand(newRenewCommand(&g))
	cmd.AddCommand(newReleaseCommand(&g))
	cmd.AddCommand(newWatchCommand(&g))
	return cmd
}

func newDiscoverCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Obtain a lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, netip.Addr{}, func(ctx context.Context, c *client.Client) error {
				ip, err := c.Discover(ctx)
				if err != nil {
					return err
				}
				printLease(cmd.OutOrStdout(), c, ip)
				return nil
			})
		},
	}
}

func newRenewCommand(g *globalFlags) *cobra.Command {
	var ip string

	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Extend the lease on an address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseIPv4(ip)
			if err != nil {
				return err
			}
			return withClient(cmd, g, addr, func(ctx context.Context, c *client.Client) error {
				got, err := c.Renew(ctx)
				if err != nil {
					return err
				}
				printLease(cmd.OutOrStdout(), c, got)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&ip, "ip", "", "Leased address to renew")
	_ = cmd.MarkFlagRequired("ip")
	return cmd
}

func newReleaseCommand(g *globalFlags) *cobra.Command {
	var ip string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Give a lease back to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var addr netip.Addr
			if ip != "" {
				var err error
				if addr, err = parseIPv4(ip); err != nil {
					return err
				}
			}
			return withClient(cmd, g, addr, func(ctx context.Context, c *client.Client) error {
				if err := c.Release(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", c.HardwareAddr())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&ip, "ip", "", "Leased address to release")
	return cmd
}

func newWatchCommand(g *globalFlags) *cobra.Command {
	var durable string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lease events published by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Events.NATSURL == "" {
				return errors.New("LEASED_NATS_URL is required to watch events")
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eventBus, err := bus.New(cfg.Events.NATSURL, nats.Name("leasectl"))
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer eventBus.Close()

			out := cmd.OutOrStdout()
			sub, err := eventBus.Subscribe(ctx, cfg.Events.Subject+".>", durable, func(_ context.Context, data []byte) error {
				return printEvent(out, data)
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&durable, "durable", "", "Durable consumer name; empty follows new events only")
	return cmd
}

func withClient(cmd *cobra.Command, g *globalFlags, leased netip.Addr, fn func(context.Context, *client.Client) error) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if g.hwaddr != "" {
		cfg.Client.HardwareAddr = g.hwaddr
	}

	opts := []client.Option{}
	if cfg.Client.HardwareAddr != "" {
		mac, err := net.ParseMAC(cfg.Client.HardwareAddr)
		if err != nil {
			return fmt.Errorf("invalid hardware address %q: %w", cfg.Client.HardwareAddr, err)
		}
		hw, err := packet.HardwareAddrFrom(mac)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithHardwareAddr(hw))
	}
	if leased.IsValid() {
		opts = append(opts, client.WithLeasedIP(leased))
	}

	logger := log.New(io.Discard, "", 0)
	if g.verbose {
		logger = log.New(os.Stderr, "leasectl: ", log.Ltime|log.Lmicroseconds)
	}

	conn, err := transport.DialClient(cfg.Client.Device, cfg.DHCP.ClientPort, cfg.Client.Server)
	if err != nil {
		return err
	}
	defer conn.Close()

	c, err := client.New(conn, logger, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.Client.Timeout)
	defer cancel()
	return fn(ctx, c)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("invalid IPv4 address %q", s)
	}
	return addr, nil
}

func printLease(w io.Writer, c *client.Client, ip netip.Addr) {
	fmt.Fprintf(w, "%s leased %s for %s\n", c.HardwareAddr(), ip, c.LeaseTime())
}

func printEvent(w io.Writer, data []byte) error {
	var e server.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	line := fmt.Sprintf("%s %-9s %s", e.At.Format("15:04:05"), e.Kind, e.MAC)
	if e.IP != "" {
		line += " " + e.IP
	}
	if !e.ExpiresAt.IsZero() {
		line += " until " + e.ExpiresAt.Format("15:04:05")
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
