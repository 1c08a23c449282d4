// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// GroupID is the upstream group identifier. The stream emits it either as a
// JSON number or a string; both normalise to the same decimal text.
type GroupID string

// String implements fmt.Stringer.
func (id GroupID) String() string { return string(id) }

// UnmarshalJSON accepts a JSON string or integer.
func (id *GroupID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = GroupID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("group id: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("group id %s is not an integer", n)
	}
	*id = GroupID(n.String())
	return nil
}

// UnmarshalYAML accepts a scalar string or integer.
func (id *GroupID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("group id must be a scalar, line %d", node.Line)
	}
	*id = GroupID(strings.TrimSpace(node.Value))
	return nil
}
