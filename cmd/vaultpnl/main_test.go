package main

import (
	"bytes"
	"context"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-pnl/internal/report"
	"github.com/vault-pnl/internal/types"
)

const vault = "0x1111111111111111111111111111111111111111"

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{
		"-vault", vault,
		"-holder", "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"-method", "fifo",
		"-format", "json",
		"-from-block", "100",
		"-to-block", "200",
		"-save",
	}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, vault, opts.vault)
	assert.Equal(t, types.MethodFIFO, opts.method)
	assert.Equal(t, report.FormatJSON, opts.format)
	require.NotNil(t, opts.fromBlock)
	require.NotNil(t, opts.toBlock)
	assert.Equal(t, uint64(100), *opts.fromBlock)
	assert.Equal(t, uint64(200), *opts.toBlock)
	assert.True(t, opts.save)
}

func TestParseFlags_Defaults(t *testing.T) {
	opts, err := parseFlags([]string{"-vault", vault}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, types.MethodAverage, opts.method)
	assert.Equal(t, report.FormatText, opts.format)
	assert.Nil(t, opts.fromBlock)
	assert.Nil(t, opts.toBlock)
	assert.False(t, opts.save)
}

func TestParseFlags_Rejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing vault", nil},
		{"malformed vault", []string{"-vault", "0x1234"}},
		{"malformed holder", []string{"-vault", vault, "-holder", "alice"}},
		{"unknown method", []string{"-vault", vault, "-method", "lifo"}},
		{"unknown format", []string{"-vault", vault, "-format", "csv"}},
		{"inverted range", []string{"-vault", vault, "-from-block", "10", "-to-block", "5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args, &bytes.Buffer{})
			assert.Error(t, err)
		})
	}
}

func TestRun_MalformedAddressFailsBeforeConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-vault", "not-an-address"}, &stdout, &stderr)

	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "invalid vault address")
	assert.Empty(t, stdout.String())
}

func TestRun_Help(t *testing.T) {
	_, err := parseFlags([]string{"-h"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, flag.ErrHelp)
}
