// SPDX-License-Identifier: MIT

package validate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorAccumulates(t *testing.T) {
	v := New()
	assert.True(t, v.IsValid())
	assert.NoError(t, v.Err())

	v.URL("Upstream.StreamURL", "ftp://stream.example.com/2/open_events", []string{"http", "https"})
	v.Range("Stream.Workers", 0, 1, 64)
	v.Positive("Stream.QueueSize", -1)
	v.OneOf("Dispatch.Backend", "sqs", []string{"timer", "redis", "kafka"})
	v.DurationRange("Stream.IdleTimeout", time.Millisecond, time.Second, time.Hour)
	v.LogLevel("LogLevel", "loud")

	require.False(t, v.IsValid())
	assert.Len(t, v.Errors(), 6)

	err := v.Err()
	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Errors(), 6)
	assert.Contains(t, err.Error(), "Upstream.StreamURL")
	assert.Contains(t, err.Error(), "; ")
}

func TestURL(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"http://stream.meetup.com/2/open_events", true},
		{"https://api.meetup.com/2/", true},
		{"", false},
		{"stream.meetup.com", false},
		{"ws://stream.meetup.com/", false},
		{"http://%zz", false},
	}
	for _, tt := range tests {
		v := New()
		v.URL("u", tt.value, []string{"http", "https"})
		assert.Equal(t, tt.valid, v.IsValid(), tt.value)
	}
}

func TestSingleErrorMessage(t *testing.T) {
	v := New()
	v.NotEmpty("Upstream.APIKey", "  ")
	assert.Equal(t, "validation failed for Upstream.APIKey: value cannot be empty", v.Err().Error())
}

func TestDirectoryAndFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "subscriptions.yaml")
	require.NoError(t, os.WriteFile(file, []byte("groups: []\n"), 0o600))

	v := New()
	v.Directory("DataDir", filepath.Join(dir, "created"), false)
	v.File("Subscriptions.File", file)
	assert.True(t, v.IsValid(), v.Err())
	assert.DirExists(t, filepath.Join(dir, "created"))

	v = New()
	v.Directory("DataDir", filepath.Join(dir, "missing"), true)
	v.Directory("DataDir", "../escape", false)
	v.Directory("DataDir", file, true)
	v.File("Subscriptions.File", dir)
	v.File("Subscriptions.File", filepath.Join(dir, "nope.yaml"))
	assert.Len(t, v.Errors(), 5)
}

func TestLogLevel(t *testing.T) {
	for _, lvl := range []string{"", "trace", "debug", "info", "warn", "error"} {
		v := New()
		v.LogLevel("LogLevel", lvl)
		assert.True(t, v.IsValid(), lvl)
	}
}
