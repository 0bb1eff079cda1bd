// Copyright 2026 The Warmstart Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"warmstart.dev/warmstart/pkg/inventory"
)

// ParseRules reads a rule list for side. The input is a sequence of YAML
// documents separated by "---" lines, one rule per document, in priority
// order. Keys and keyword values are case-insensitive. Empty documents are
// skipped.
//
// Example:
//
//	type: file
//	path: /var/log/**
//	action: reopen
//	---
//	type: socket
//	family: ipv4
//	remotePort: 5432
//	action: close
func ParseRules(r io.Reader, side Side) (RuleList, error) {
	dec := yaml.NewDecoder(r)
	var rules RuleList
	for idx := 0; ; idx++ {
		var doc yaml.Node
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("rule document %d: %w", idx, err)
		}
		body := &doc
		if doc.Kind == yaml.DocumentNode {
			if len(doc.Content) == 0 {
				continue
			}
			body = doc.Content[0]
		}
		if body.Kind == yaml.ScalarNode && body.Tag == "!!null" {
			continue
		}
		if body.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("rule document %d: expected a mapping, got %s", idx, nodeKind(body))
		}
		rule, err := parseRule(body, side)
		if err != nil {
			return nil, fmt.Errorf("rule document %d: %w", idx, err)
		}
		rule.Index = idx
		rules = append(rules, rule)
	}
	return rules, nil
}

// ParseRulesString is ParseRules over a string.
func ParseRulesString(s string, side Side) (RuleList, error) {
	return ParseRules(strings.NewReader(s), side)
}

// LoadRules reads the rule list in path. An empty path yields an empty list.
func LoadRules(path string, side Side) (RuleList, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s rules: %w", side, err)
	}
	rules, err := ParseRules(bytes.NewReader(data), side)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

func parseRule(m *yaml.Node, side Side) (Rule, error) {
	var (
		rule      Rule
		hasType   bool
		hasAction bool
	)
	for i := 0; i+1 < len(m.Content); i += 2 {
		key, val := m.Content[i], m.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return rule, fmt.Errorf("line %d: value of %q must be a scalar", val.Line, key.Value)
		}
		var err error
		switch normalizeKeyword(key.Value) {
		case "type":
			rule.Type, err = inventory.ParseKind(normalizeKeyword(val.Value))
			hasType = true
		case "path":
			rule.Path, err = CompileGlob(val.Value)
		case "family":
			rule.Family, err = parseFamily(val.Value)
		case "localaddress":
			rule.LocalAddress, err = ParseAddrPattern(val.Value)
		case "localport":
			rule.LocalPort, err = parsePort(val)
		case "remoteaddress":
			rule.RemoteAddress, err = ParseAddrPattern(val.Value)
		case "remoteport":
			rule.RemotePort, err = parsePort(val)
		case "action":
			rule.Action, err = ParseAction(val.Value)
			hasAction = true
		case "target":
			rule.Target = val.Value
		case "warn":
			rule.Warn = val.Value
		default:
			err = fmt.Errorf("unknown key %q", key.Value)
		}
		if err != nil {
			return rule, fmt.Errorf("line %d: %w", key.Line, err)
		}
	}
	switch {
	case !hasType:
		return rule, fmt.Errorf("missing type")
	case !hasAction:
		return rule, fmt.Errorf("missing action")
	case !rule.Action.ValidOn(side):
		return rule, fmt.Errorf("action %s is not valid for %s rules", rule.Action, side)
	case rule.Action.NeedsTarget() && rule.Target == "":
		return rule, fmt.Errorf("action %s requires a target", rule.Action)
	case !rule.Action.NeedsTarget() && rule.Target != "":
		return rule, fmt.Errorf("target is only valid with open_other actions")
	}
	return rule, nil
}

func parseFamily(s string) (string, error) {
	switch normalizeKeyword(s) {
	case "ipv4", "ip4", "inet", "afinet":
		return "ipv4", nil
	case "ipv6", "ip6", "inet6", "afinet6":
		return "ipv6", nil
	case "unix", "local", "afunix":
		return "unix", nil
	}
	return "", fmt.Errorf("unknown socket family %q", s)
}

func parsePort(n *yaml.Node) (int, error) {
	var port int
	if err := n.Decode(&port); err != nil {
		return 0, fmt.Errorf("invalid port %q", n.Value)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "node"
}
