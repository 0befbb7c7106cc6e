package cmdutil

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLogLevel_Flag(t *testing.T) {
	var ll LogLevel
	require.Equal(t, "info", ll.String())

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Var(&ll, "log.level", "")
	require.NoError(t, fs.Parse([]string{"--log.level=DEBUG"}))
	require.Equal(t, "debug", ll.String())

	require.Error(t, fs.Parse([]string{"--log.level=trace"}))
}

func TestLogLevel_YAML(t *testing.T) {
	var cfg struct {
		Level LogLevel `yaml:"log_level"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("log_level: warn"), &cfg))
	require.Equal(t, "warn", cfg.Level.String())
}
