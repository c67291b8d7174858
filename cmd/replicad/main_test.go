package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-replicator/internal/config"
	"github.com/isometry/ldap-replicator/internal/replay"
)

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "replicad version dev (commit: none)\n", out.String())
}

func TestCommands_ConfigErrors(t *testing.T) {
	dir := t.TempDir()
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("replicas: []\n"), 0o600))

	tests := []struct {
		name     string
		args     []string
		errorMsg string
	}{
		{
			name:     "replicate missing config",
			args:     []string{"replicate", "--config", filepath.Join(dir, "missing.yaml")},
			errorMsg: "failed to read config file",
		},
		{
			name:     "check missing config",
			args:     []string{"check", "-c", filepath.Join(dir, "missing.yaml")},
			errorMsg: "failed to read config file",
		},
		{
			name:     "replicate without replicas",
			args:     []string{"replicate", "--config", invalid},
			errorMsg: "at least one replica is required",
		},
		{
			name:     "unknown command",
			args:     []string{"frobnicate"},
			errorMsg: "unknown command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestOpenRecords(t *testing.T) {
	stdin := strings.NewReader("dn: cn=x\n")

	r, closeFn, err := openRecords("-", stdin)
	require.NoError(t, err)
	assert.Same(t, stdin, r)
	closeFn()

	path := filepath.Join(t.TempDir(), "records.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dn: cn=x\nchangetype: delete\n"), 0o600))

	r, closeFn, err = openRecords(path, stdin)
	require.NoError(t, err)
	records, err := replay.DecodeAll(r)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	closeFn()

	_, _, err = openRecords(filepath.Join(t.TempDir(), "missing.yaml"), stdin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open records")
}

func TestReplayOptions(t *testing.T) {
	opts := replayOptions(config.Replay{
		Rate:           25,
		Burst:          5,
		MaxRetries:     4,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		BackoffFactor:  3,
	})

	assert.Equal(t, 4, opts.MaxRetries)
	assert.Equal(t, time.Second, opts.InitialBackoff)
	assert.Equal(t, time.Minute, opts.MaxBackoff)
	assert.InDelta(t, 3.0, opts.BackoffFactor, 0.0001)
	require.NotNil(t, opts.Limiter)
	assert.Equal(t, 5, opts.Limiter.Burst())

	assert.Nil(t, replayOptions(config.Replay{}).Limiter)
}

func TestPrintReports(t *testing.T) {
	var out bytes.Buffer
	printReports(&out, []replay.Report{
		{Replica: "east", OK: 3},
		{
			Replica:  "west",
			OK:       2,
			Rejected: 1,
			Retried:  2,
			Rejections: []replay.Rejection{
				{DN: "cn=a,dc=example,dc=com", ChangeType: "delete", Message: "no such object"},
			},
		},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"REPLICA", "OK", "REJECTED", "RETRIED"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"east", "3", "0", "0"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"west", "2", "1", "2"}, strings.Fields(lines[2]))
	assert.Equal(t, "west: rejected delete cn=a,dc=example,dc=com: no such object", lines[3])
}
