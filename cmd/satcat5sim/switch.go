package main

import (
	"encoding/binary"
	"log/slog"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ioext"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

const (
	switchChunkSize = 256
	switchNumChunks = 64
)

// logSink is a minimal ioext.Writeable that logs every finalized
// egress frame instead of driving a real interface; it stands in for
// a hal/linux or hal/pcap port when the CLI is run without one.
type logSink struct {
	log  *slog.Logger
	name string
	buf  []byte
}

func (s *logSink) GetWriteSpace() uint { return 1 << 16 }
func (s *logSink) WriteBytes(b []byte) { s.buf = append(s.buf, b...) }
func (s *logSink) WriteFinalize() bool {
	if len(s.buf) >= 14 {
		etherType := binary.BigEndian.Uint16(s.buf[12:14])
		s.log.Debug("egress frame", "port", s.name, "bytes", len(s.buf), "ethertype", etherType)
	}
	s.buf = nil
	return true
}
func (s *logSink) WriteAbort() { s.buf = nil }

var _ ioext.Writeable = (*logSink)(nil)

func newSwitchCmd(verbose *bool, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "switch",
		Short: "Run the switch core with MAC learning and VLAN policy, logging traffic to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := loadRunContext(verbose, configPath)
			if err != nil {
				return err
			}

			ctx := poll.NewContext()
			sc := ethswitch.NewSwitchCore("sim", switchChunkSize, switchNumChunks)
			sc.SetClock(timeref.NewSystemRef())

			learning := ethswitch.NewMACLearning()
			sc.AddPlugin(learning)

			vlan := ethswitch.NewVLANPolicy(func() float64 { return float64(time.Now().UnixNano()) / 1e9 })

			portIndex := make(map[string]int, len(cfg.Ports))
			for _, pc := range cfg.Ports {
				if _, err := net.ParseMAC(pc.MAC); err != nil {
					return err
				}
				port, err := sc.NewPort(ctx, &logSink{log: log, name: pc.Name}, []ethswitch.PluginPort{vlan}, []ethswitch.PluginPort{vlan})
				if err != nil {
					return err
				}
				portIndex[pc.Name] = port.Index()
				vlan.SetPortConfig(port.Index(), ethswitch.PortVLANConfig{Mode: ethswitch.AdmitAll, NativeVID: 1})
			}

			for _, v := range cfg.VLANs {
				var members uint64
				for _, name := range v.Ports {
					if idx, ok := portIndex[name]; ok {
						members |= 1 << uint(idx)
					}
				}
				vlan.SetVIDPolicy(v.ID, ethswitch.VIDPolicy{Members: members, RateLimit: ethswitch.Unlimited})
			}

			sc.AddLogHandler(ethswitch.NewSlogHandler(log, 0))

			log.Info("switch core running", "ports", len(cfg.Ports), "vlans", len(cfg.VLANs))
			for {
				ctx.ServiceAll(64)
				time.Sleep(time.Millisecond)
			}
		},
	}
}
