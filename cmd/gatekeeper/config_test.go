package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runWithConfig(t *testing.T, args ...string) (*cli.Command, error) {
	t.Helper()
	var got *cli.Command
	cmd := &cli.Command{
		Name: "gatekeeper",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config"},
			&cli.StringFlag{Name: "did-prefix", Value: "did:test"},
			&cli.StringSliceFlag{Name: "registries"},
			&cli.IntFlag{Name: "max-queue-size", Value: 100},
			&cli.DurationFlag{Name: "gc-interval", Value: 15 * time.Minute},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if path := cmd.String("config"); path != "" {
				return ctx, loadConfigFile(cmd, path)
			}
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			got = cmd
			return nil
		},
	}
	err := cmd.Run(context.Background(), append([]string{"gatekeeper"}, args...))
	return got, err
}

func TestLoadConfigFile(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `
did-prefix: did:mdip
registries: [local, TFTC]
max-queue-size: 5
gc-interval: 30m
`)
	cmd, err := runWithConfig(t, "--config", path)
	require.NoError(t, err)
	assert.Equal("did:mdip", cmd.String("did-prefix"))
	assert.Equal([]string{"local", "TFTC"}, cmd.StringSlice("registries"))
	assert.Equal(5, cmd.Int("max-queue-size"))
	assert.Equal(30*time.Minute, cmd.Duration("gc-interval"))
}

func TestLoadConfigFile_FlagsWin(t *testing.T) {
	path := writeConfig(t, "did-prefix: did:mdip\n")
	cmd, err := runWithConfig(t, "--config", path, "--did-prefix", "did:cli")
	require.NoError(t, err)
	assert.Equal(t, "did:cli", cmd.String("did-prefix"))
}

func TestLoadConfigFile_Errors(t *testing.T) {
	_, err := runWithConfig(t, "--config", writeConfig(t, "no-such-flag: 1\n"))
	assert.Error(t, err)

	_, err = runWithConfig(t, "--config", writeConfig(t, "did-prefix: [unclosed\n"))
	assert.Error(t, err)

	_, err = runWithConfig(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
