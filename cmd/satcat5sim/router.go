package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/arp"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/icmp"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/iptable"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/router"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/udp"
)

const (
	routerChunkSize = 256
	routerNumChunks = 64
	routeTableSize  = 64
)

func newRouterCmd(verbose *bool, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "router",
		Short: "Run the IPv4 router with ARP/ICMP/UDP attached, logging traffic to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := loadRunContext(verbose, configPath)
			if err != nil {
				return err
			}

			hwAddr, err := net.ParseMAC(cfg.Router.MAC)
			if err != nil {
				return fmt.Errorf("satcat5sim: invalid router.mac %q: %w", cfg.Router.MAC, err)
			}
			var routerMAC router.MAC
			copy(routerMAC[:], hwAddr)

			routerIP := net.ParseIP(cfg.Router.IP)
			if routerIP == nil {
				return fmt.Errorf("satcat5sim: invalid router.ip %q", cfg.Router.IP)
			}

			table := iptable.NewTable(routeTableSize)
			ctx := poll.NewContext()
			ref := timeref.NewSystemRef()

			dispatch := router.NewDispatch("sim-router", routerChunkSize, routerNumChunks,
				routerMAC, routerIP, table, ctx, ref, router.WithLogger(log))

			for _, rc := range cfg.Router.Routes {
				_, subnet, err := net.ParseCIDR(rc.Dest)
				if err != nil {
					return fmt.Errorf("satcat5sim: invalid route dest %q: %w", rc.Dest, err)
				}
				var gw net.IP
				if rc.Gateway != "" {
					gw = net.ParseIP(rc.Gateway)
				}
				table.RouteStatic(subnet, gw, router.MAC{}, dispatch.LocalPortIndex(), 0)
			}

			arpCache := arp.NewCache("sim-router", arp.MAC(routerMAC), routerIP, table, ctx, ref)
			arpCache.SetWriter(dispatch.WriteLocal())
			dispatch.SetARP(arpCache)
			dispatch.SetARPHandler(arpCache)

			icmpEngine := icmp.NewEngine("sim-router", icmp.MAC(routerMAC), routerIP, ref)
			icmpEngine.SetWriter(dispatch.WriteLocal())
			icmpEngine.SetLogger(log)
			dispatch.RegisterIPProtocol(router.ProtoICMP, icmpEngine)

			udpDispatch := udp.NewDispatch("sim-router", udp.MAC(routerMAC), routerIP)
			udpDispatch.SetWriter(dispatch.WriteLocal())
			udpDispatch.SetUnreachable(icmpEngine)
			udpDispatch.SetLogger(log)
			dispatch.RegisterIPProtocol(router.ProtoUDP, udpDispatch)

			log.Info("router running", "ip", routerIP.String(), "mac", routerMAC.String(), "routes", len(cfg.Router.Routes))
			for {
				ctx.ServiceAll(64)
				time.Sleep(time.Millisecond)
			}
		},
	}
}
