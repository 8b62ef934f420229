package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

func TestRenderFormats(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"json", "{\n  \"name\": \"a\",\n  \"count\": 2\n}\n"},
		{"yaml", "name: a\ncount: 2\n"},
		{"text", "a=2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			f := &OutputFormatter{Format: tt.format, Writer: &buf}
			err := f.Render(sample{Name: "a", Count: 2}, func(w io.Writer) {
				fmt.Fprintf(w, "%s=%d\n", "a", 2)
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestStatus(t *testing.T) {
	var buf bytes.Buffer
	Status(&buf, true, "dir")
	Status(&buf, false, "s3: boom")
	assert.Contains(t, buf.String(), "SUCCESS")
	assert.Contains(t, buf.String(), " dir\n")
	assert.Contains(t, buf.String(), "FAILED")
	assert.Contains(t, buf.String(), " s3: boom\n")
}

func TestVerboseLogGoesToErrWriter(t *testing.T) {
	var out, errOut bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &out, ErrWriter: &errOut, Verbose: true}
	f.VerboseLog("loaded %d", 3)
	assert.Empty(t, out.String())
	assert.Equal(t, "loaded 3\n", errOut.String())

	f.Verbose = false
	f.VerboseLog("quiet")
	assert.Equal(t, "loaded 3\n", errOut.String())
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	inner := errors.New("disk full")
	err := fmt.Errorf("wrapped: %w", WrapExitError(ExitCommandError, "load config", inner))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "wrapped: load config: disk full", err.Error())
	assert.Equal(t, "msg", NewExitError(ExitFailure, "msg").Error())
}
