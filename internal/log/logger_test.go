// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconfigureWritesServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	Reconfigure(Config{Level: "debug", Output: &buf, Service: "snipey-test", Version: "v0.0.1"})
	t.Cleanup(func() { Reconfigure(Config{}) })

	l := WithComponent("stream")
	l.Debug().Str(FieldEvent, "stream.connected").Msg("connected")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "snipey-test", entry["service"])
	assert.Equal(t, "v0.0.1", entry["version"])
	assert.Equal(t, "stream", entry[FieldComponent])
	assert.Equal(t, "stream.connected", entry[FieldEvent])
	assert.Equal(t, "connected", entry["message"])
}

func TestDeriveAddsFields(t *testing.T) {
	var buf bytes.Buffer
	Reconfigure(Config{Output: &buf})
	t.Cleanup(func() { Reconfigure(Config{}) })

	l := Derive(func(c *zerolog.Context) { *c = c.Str(FieldGroupID, "42") })
	l.Info().Msg("x")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "42", entry[FieldGroupID])
}
