package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
ports:
  - name: eth0
    mac: "02:00:00:00:00:01"
  - name: eth1
    mac: "02:00:00:00:00:02"
vlans:
  - id: 10
    ports: [eth0, eth1]
router:
  mac: "02:00:00:00:00:ff"
  ip: 10.0.0.1
  netmask: 255.255.255.0
  routes:
    - dest: 10.1.0.0/24
      gateway: 10.0.0.254
      metric: 1
ptp:
  mode: slave_only
  sync_rate_log2: 3
  pdelay_rate_log2: -1
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	require.Len(t, cfg.Ports, 2)
	require.Equal(t, "eth0", cfg.Ports[0].Name)
	require.Len(t, cfg.VLANs, 1)
	require.Equal(t, uint16(10), cfg.VLANs[0].ID)
	require.Equal(t, "10.0.0.1", cfg.Router.IP)
	require.Len(t, cfg.Router.Routes, 1)
	require.Equal(t, "slave_only", cfg.PTP.Mode)
	require.Equal(t, -1, cfg.PTP.PdelayRateLog2)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	t.Parallel()
	path := writeSample(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Router.IP = "10.0.0.9"
	require.NoError(t, cfg.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.9", reloaded.Router.IP)
}

func TestReloadNotifiesChanged(t *testing.T) {
	t.Parallel()
	path := writeSample(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	require.NoError(t, cfg.Reload())

	select {
	case <-cfg.Changed():
	default:
		t.Fatal("expected a Changed() notification after Reload")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
