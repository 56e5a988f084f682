package mainboilerplate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Gateway struct {
		Port uint16 `long:"port" default:"61613"`
		Zone string `long:"zone" default:"local"`
	} `group:"Gateway" namespace:"gateway"`
}

func TestParseConfigLayersFlagsOverINI(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "mqgate.ini")
	require.NoError(t, os.WriteFile(path, []byte(`
[Gateway]
port = 7000
zone = us-east-1a

[Unknown]
ignored = true
`), 0600))
	t.Setenv(ConfigFileEnv, path)

	var cfg testConfig
	var parser = flags.NewParser(&cfg, flags.Default)
	var parsed, err = ParseConfig(parser, "mqgate.ini", []string{"--gateway.zone=us-east-1b"})
	require.NoError(t, err)

	require.Equal(t, path, parsed)
	require.Equal(t, uint16(7000), cfg.Gateway.Port)
	require.Equal(t, "us-east-1b", cfg.Gateway.Zone)
	// IgnoreUnknown applied only to the INI file.
	require.Equal(t, flags.Default, parser.Options)
}

func TestParseConfigRequiresNamedFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "missing.ini"))

	var cfg testConfig
	var _, err = ParseConfig(flags.NewParser(&cfg, flags.None), "mqgate.ini", nil)
	require.Error(t, err)
}

func TestConfigSearchPath(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	var paths = ConfigSearchPath("mqgate.ini")
	require.Equal(t, "mqgate.ini", paths[0])

	t.Setenv(ConfigFileEnv, "/etc/mqgate/gateway.ini")
	require.Equal(t, []string{"/etc/mqgate/gateway.ini"}, ConfigSearchPath("mqgate.ini"))
}
