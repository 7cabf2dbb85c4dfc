// Command knetd runs the network stack as a Linux process attached to a TAP
// device. It applies config/network-<iface>.conf from the root directory,
// falling back to DHCP, and serves root/www over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hobbyos/knet/drivers/tapnic"
	"github.com/hobbyos/knet/httpd"
	"github.com/hobbyos/knet/internal"
	"github.com/hobbyos/knet/internal/tap"
	"github.com/hobbyos/knet/netdev"
	"github.com/hobbyos/knet/netstack"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "knetd:", err)
		os.Exit(1)
	}
}

type options struct {
	tapName   string
	ifaceName string
	hostCIDR  string
	root      string
	port      uint
	pcapPath  string
	logLevel  string
	strictACK bool
	hostname  string
	ping      string
	lookup    string
}

func parseFlags(args []string) (options, error) {
	o := options{
		tapName:   "tap0",
		ifaceName: "eth0",
		root:      ".",
		port:      httpd.DefaultPort,
		logLevel:  "info",
		hostname:  "knetd",
	}
	fs := flag.NewFlagSet("knetd", flag.ContinueOnError)
	fs.StringVar(&o.tapName, "tap", o.tapName, "TAP device to attach to")
	fs.StringVar(&o.ifaceName, "iface", o.ifaceName, "stack interface name, selects config/network-<iface>.conf")
	fs.StringVar(&o.hostCIDR, "host-addr", o.hostCIDR, "address for the host side of the TAP, e.g. 192.168.10.1/24; empty leaves it untouched")
	fs.StringVar(&o.root, "root", o.root, "directory holding config/ and www/")
	fs.UintVar(&o.port, "http-port", o.port, "HTTP server port, 0 disables the server")
	fs.StringVar(&o.pcapPath, "pcap", o.pcapPath, "write every frame sent and received to this pcap file")
	fs.StringVar(&o.logLevel, "log-level", o.logLevel, "trace, debug, info, warn or error")
	fs.BoolVar(&o.strictACK, "strict-ack", o.strictACK, "reset connections whose handshake ACK is off by one")
	fs.StringVar(&o.hostname, "hostname", o.hostname, "hostname sent in DHCP requests")
	fs.StringVar(&o.ping, "ping", o.ping, "ping this IPv4 address once configured")
	fs.StringVar(&o.lookup, "lookup", o.lookup, "resolve this host name once configured")
	fs.String("config", "", "flag file with one 'flag value' pair per line")
	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("KNETD"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		return o, err
	}
	if o.port > 0xffff {
		return o, fmt.Errorf("http-port %d out of range", o.port)
	}
	return o, nil
}

func parseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return internal.LevelTrace, nil
	}
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}

func run(ctx context.Context, args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	lvl, err := parseLevel(o.logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	dev, err := tap.Open(o.tapName, o.hostCIDR)
	if err != nil {
		return err
	}
	defer dev.Close()
	seed := uint32(time.Now().UnixNano())
	nic := tapnic.New(dev, tapnic.Config{Seed: seed, Logger: logger})
	var drv netdev.Driver = nic
	if o.pcapPath != "" {
		f, err := os.Create(o.pcapPath)
		if err != nil {
			return err
		}
		defer f.Close()
		c, err := newCapture(nic, f)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Err(); err != nil {
				logger.Error("knetd:pcap", slog.String("err", err.Error()))
			}
		}()
		drv = c
	}

	stack, err := netstack.New(netstack.Config{
		Logger:    logger,
		StrictACK: o.strictACK,
		Hostname:  o.hostname,
		Seed:      seed,
	})
	if err != nil {
		return err
	}
	if _, err = stack.AddInterface(o.ifaceName, drv); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return nic.Pump(gctx, 50*time.Millisecond) })
	g.Go(func() error { return stack.Serve(gctx, 10*time.Millisecond) })
	var cfg netdev.Config
	g.Go(func() error {
		c, err := configure(gctx, stack, o, logger)
		cfg = c
		if err != nil {
			return err
		}
		if o.port == 0 {
			return nil
		}
		sv, err := httpd.New(stack, httpd.Config{
			Port:   uint16(o.port),
			Root:   os.DirFS(o.root),
			Logger: logger,
		})
		if err != nil {
			return err
		}
		return sv.Run(gctx)
	})
	err = g.Wait()
	if cfg.DHCP {
		if rerr := stack.ReleaseDHCP(o.ifaceName); rerr != nil {
			logger.Warn("knetd:dhcp:release", slog.String("err", rerr.Error()))
		}
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil // interrupted.
	}
	return err
}

// configure applies the interface configuration, waits for DHCP when needed,
// prints the ipconfig report and runs the one-shot diagnostics.
func configure(ctx context.Context, stack *netstack.Stack, o options, logger *slog.Logger) (netdev.Config, error) {
	cfg, err := stack.LoadConfig(os.DirFS(o.root), o.ifaceName)
	if err != nil {
		return cfg, err
	}
	if cfg.DHCP {
		start := time.Now()
		lease, err := stack.DHCP(ctx, o.ifaceName)
		if err != nil {
			return cfg, fmt.Errorf("DHCP failed: %w", err)
		}
		logger.Info("knetd:dhcp:bound",
			slog.String("addr", netip.AddrFrom4(lease.Addr).String()),
			slog.String("router", netip.AddrFrom4(lease.Router).String()),
			slog.Duration("took", time.Since(start)),
		)
	}
	if err = stack.WriteIPConfig(os.Stdout); err != nil {
		return cfg, err
	}
	if o.ping != "" {
		addr, err := netip.ParseAddr(o.ping)
		if err != nil {
			return cfg, err
		}
		rtt, err := stack.Ping(ctx, addr, 2*time.Second)
		if err != nil {
			logger.Error("knetd:ping", slog.String("addr", o.ping), slog.String("err", err.Error()))
		} else {
			fmt.Printf("64 bytes from %s: icmp_seq=1 time=%s\n", addr, rtt)
		}
	}
	if o.lookup != "" {
		addr, err := stack.LookupHost(ctx, o.lookup)
		if err != nil {
			logger.Error("knetd:lookup", slog.String("name", o.lookup), slog.String("err", err.Error()))
		} else {
			fmt.Printf("%s has address %s\n", o.lookup, addr)
		}
	}
	return cfg, nil
}
