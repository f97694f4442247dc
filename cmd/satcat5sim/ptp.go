package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ioext"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ptp"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

var modeByName = map[string]ptp.ClientMode{
	"disabled":   ptp.ModeDisabled,
	"master_l2":  ptp.ModeMasterL2,
	"master_l3":  ptp.ModeMasterL3,
	"slave_only": ptp.ModeSlaveOnly,
	"slave_sptp": ptp.ModeSlaveSPTP,
	"passive":    ptp.ModePassive,
}

// ptpWriter logs every PTPv2 message the client transmits instead of
// driving a real port, matching logSink's role in the switch command.
type ptpWriter struct {
	log *slog.Logger
	buf []byte
}

func (w *ptpWriter) GetWriteSpace() uint { return 1 << 12 }
func (w *ptpWriter) WriteBytes(b []byte) { w.buf = append(w.buf, b...) }
func (w *ptpWriter) WriteFinalize() bool {
	if len(w.buf) > 0 {
		w.log.Debug("ptp tx", "bytes", len(w.buf), "messageType", w.buf[0]&0x0f)
	}
	w.buf = nil
	return true
}
func (w *ptpWriter) WriteAbort() { w.buf = nil }

var _ ioext.Writeable = (*ptpWriter)(nil)

// measurementLogger implements ptp.Callback by logging every completed
// measurement's derived offset and path delay.
type measurementLogger struct{ log *slog.Logger }

func (m measurementLogger) PTPReady(meas *ptp.Measurement) {
	m.log.Info("ptp measurement",
		"offsetFromMasterNsec", meas.OffsetFromMaster(),
		"meanPathDelayNsec", meas.MeanPathDelay())
}

func newPTPCmd(verbose *bool, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ptp",
		Short: "Run the PTPv2 client state machine standalone, logging transmitted messages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := loadRunContext(verbose, configPath)
			if err != nil {
				return err
			}

			mode, ok := modeByName[cfg.PTP.Mode]
			if !ok {
				return fmt.Errorf("satcat5sim: unknown ptp mode %q", cfg.PTP.Mode)
			}

			var clockID [8]byte
			binary.BigEndian.PutUint64(clockID[:], uint64(time.Now().UnixNano()))

			ctx := poll.NewContext()
			client := ptp.NewClient("sim-ptp", clockID, 1, ctx, ptp.WithLogger(log))
			client.SetWriter(&ptpWriter{log: log})
			client.SetClock(timeref.NewSystemRef())
			client.SetSyncRate(cfg.PTP.SyncRateLog2)
			client.SetPdelayRate(cfg.PTP.PdelayRateLog2)
			client.AddCallback(measurementLogger{log: log})
			client.SetMode(mode)

			log.Info("ptp client running", "mode", cfg.PTP.Mode, "syncRateLog2", cfg.PTP.SyncRateLog2)
			for {
				ctx.ServiceAll(64)
				time.Sleep(time.Millisecond)
			}
		},
	}
}
