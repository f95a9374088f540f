// Copyright 2019 SpotHero
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

package optimizely

import (
	"encoding/json"
	"math"
	"strings"

	"golang.org/x/xerrors"
)

// Condition evaluation is tri-valued: true, false, or unknown (nil). The
// distinction between unknown and false matters inside "not" nodes, so
// results are carried as *bool throughout.

// condition tree operators
const (
	opAnd = "and"
	opOr  = "or"
	opNot = "not"
)

// condition types a leaf may declare
const (
	customAttributeType     = "custom_attribute"
	thirdPartyDimensionType = "third_party_dimension"
)

// leaf match operators
const (
	matchExact     = "exact"
	matchExists    = "exists"
	matchSubstring = "substring"
	matchGT        = "gt"
	matchGE        = "ge"
	matchLT        = "lt"
	matchLE        = "le"
	matchSemverEQ  = "semver_eq"
	matchSemverGT  = "semver_gt"
	matchSemverGE  = "semver_ge"
	matchSemverLT  = "semver_lt"
	matchSemverLE  = "semver_le"
	matchQualified = "qualified"
)

// numbers beyond 2^53 lose integer precision and are treated as invalid
const maxNumericValue = float64(1 << 53)

// conditionNode is one node of a parsed condition tree: an operator over
// children, a leaf attribute condition, or an audience-id reference (inside
// an experiment's audienceConditions tree).
type conditionNode struct {
	op         string
	children   []*conditionNode
	leaf       *leafCondition
	audienceID string
}

// leafCondition is a single typed attribute condition.
type leafCondition struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Match string      `json:"match"`
	Value interface{} `json:"value"`
}

// empty reports whether the node is an operator with nothing beneath it,
// which gates treat as matching everyone.
func (n *conditionNode) empty() bool {
	return n == nil || (n.op != "" && len(n.children) == 0)
}

// parseConditions parses a datafile condition document. The document is
// either a nested array using the and/or/not operators, a single leaf
// object, a bare audience-id string, or (in legacy datafiles) a JSON string
// wrapping any of those. A list that does not lead with an operator is an
// implicit "or".
func parseConditions(raw json.RawMessage) (*conditionNode, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var wrapped string
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, xerrors.Errorf("invalid condition string: %w", err)
		}
		// legacy datafiles carry the condition document JSON-encoded inside
		// a string; a bare string inside a tree is an audience id
		trimmed := strings.TrimSpace(wrapped)
		if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
			return parseConditions(json.RawMessage(trimmed))
		}
		return &conditionNode{audienceID: wrapped}, nil
	}
	if raw[0] == '{' {
		leaf := leafCondition{}
		if err := json.Unmarshal(raw, &leaf); err != nil {
			return nil, xerrors.Errorf("invalid leaf condition: %w", err)
		}
		return &conditionNode{leaf: &leaf}, nil
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, xerrors.Errorf("invalid condition list: %w", err)
	}
	node := &conditionNode{op: opOr}
	rest := elements
	if len(elements) > 0 {
		var op string
		if err := json.Unmarshal(elements[0], &op); err == nil {
			switch op {
			case opAnd, opOr, opNot:
				node.op = op
				rest = elements[1:]
			}
		}
	}
	for _, element := range rest {
		child, err := parseConditions(element)
		if err != nil {
			return nil, err
		}
		if child != nil {
			node.children = append(node.children, child)
		}
	}
	return node, nil
}

// evaluateConditionTree walks a condition tree, delegating leaves to the
// provided evaluator and combining results with tri-valued logic.
func evaluateConditionTree(node *conditionNode, leafEval func(*conditionNode) *bool) *bool {
	if node == nil {
		return nil
	}
	switch node.op {
	case opAnd:
		return evaluateAnd(node.children, leafEval)
	case opOr:
		return evaluateOr(node.children, leafEval)
	case opNot:
		return evaluateNot(node.children, leafEval)
	default:
		return leafEval(node)
	}
}

func evaluateAnd(children []*conditionNode, leafEval func(*conditionNode) *bool) *bool {
	sawUnknown := false
	for _, child := range children {
		result := evaluateConditionTree(child, leafEval)
		if result == nil {
			sawUnknown = true
		} else if !*result {
			return boolPtr(false)
		}
	}
	if sawUnknown {
		return nil
	}
	return boolPtr(true)
}

func evaluateOr(children []*conditionNode, leafEval func(*conditionNode) *bool) *bool {
	sawUnknown := false
	for _, child := range children {
		result := evaluateConditionTree(child, leafEval)
		if result == nil {
			sawUnknown = true
		} else if *result {
			return boolPtr(true)
		}
	}
	if sawUnknown {
		return nil
	}
	return boolPtr(false)
}

func evaluateNot(children []*conditionNode, leafEval func(*conditionNode) *bool) *bool {
	if len(children) == 0 {
		return nil
	}
	result := evaluateConditionTree(children[0], leafEval)
	if result == nil {
		return nil
	}
	return boolPtr(!*result)
}

// attributeLeafMatcher evaluates a leaf attribute condition against the
// user's attributes and qualified segments. Unrecognized condition types and
// match operators evaluate to unknown, never to an error.
func attributeLeafMatcher(attributes map[string]interface{}, qualifiedSegments map[string]bool) func(*conditionNode) *bool {
	return func(node *conditionNode) *bool {
		cond := node.leaf
		if cond == nil {
			return nil
		}
		if cond.Type != customAttributeType && cond.Type != thirdPartyDimensionType {
			return nil
		}
		match := cond.Match
		if match == "" {
			// legacy conditions carry no match operator
			match = matchExact
		}
		userValue, attributeExists := attributes[cond.Name]
		switch match {
		case matchExists:
			return boolPtr(attributeExists && userValue != nil)
		case matchExact:
			return exactMatch(cond.Value, userValue)
		case matchSubstring:
			return substringMatch(cond.Value, userValue)
		case matchGT, matchGE, matchLT, matchLE:
			return numericMatch(match, cond.Value, userValue)
		case matchSemverEQ, matchSemverGT, matchSemverGE, matchSemverLT, matchSemverLE:
			return semverMatch(match, cond.Value, userValue)
		case matchQualified:
			segment, ok := cond.Value.(string)
			if !ok {
				return nil
			}
			return boolPtr(qualifiedSegments[segment])
		default:
			return nil
		}
	}
}

func exactMatch(condValue, userValue interface{}) *bool {
	switch cv := condValue.(type) {
	case string:
		uv, ok := userValue.(string)
		if !ok {
			return nil
		}
		return boolPtr(cv == uv)
	case bool:
		uv, ok := userValue.(bool)
		if !ok {
			return nil
		}
		return boolPtr(cv == uv)
	default:
		cn, ok := numericValue(condValue)
		if !ok {
			return nil
		}
		un, ok := numericValue(userValue)
		if !ok {
			return nil
		}
		return boolPtr(cn == un)
	}
}

func substringMatch(condValue, userValue interface{}) *bool {
	cv, ok := condValue.(string)
	if !ok {
		return nil
	}
	uv, ok := userValue.(string)
	if !ok {
		return nil
	}
	return boolPtr(strings.Contains(uv, cv))
}

func numericMatch(match string, condValue, userValue interface{}) *bool {
	cn, ok := numericValue(condValue)
	if !ok {
		return nil
	}
	un, ok := numericValue(userValue)
	if !ok {
		return nil
	}
	switch match {
	case matchGT:
		return boolPtr(un > cn)
	case matchGE:
		return boolPtr(un >= cn)
	case matchLT:
		return boolPtr(un < cn)
	case matchLE:
		return boolPtr(un <= cn)
	}
	return nil
}

func semverMatch(match string, condValue, userValue interface{}) *bool {
	cv, ok := condValue.(string)
	if !ok {
		return nil
	}
	uv, ok := userValue.(string)
	if !ok {
		return nil
	}
	result, ok := compareVersions(cv, uv)
	if !ok {
		return nil
	}
	switch match {
	case matchSemverEQ:
		return boolPtr(result == 0)
	case matchSemverGT:
		return boolPtr(result > 0)
	case matchSemverGE:
		return boolPtr(result >= 0)
	case matchSemverLT:
		return boolPtr(result < 0)
	case matchSemverLE:
		return boolPtr(result <= 0)
	}
	return nil
}

// numericValue normalizes any Go numeric type to float64 and reports whether
// the value is a usable number: finite and within 2^53 of zero.
func numericValue(value interface{}) (float64, bool) {
	var n float64
	switch v := value.(type) {
	case int:
		n = float64(v)
	case int8:
		n = float64(v)
	case int16:
		n = float64(v)
	case int32:
		n = float64(v)
	case int64:
		n = float64(v)
	case uint:
		n = float64(v)
	case uint8:
		n = float64(v)
	case uint16:
		n = float64(v)
	case uint32:
		n = float64(v)
	case uint64:
		n = float64(v)
	case float32:
		n = float64(v)
	case float64:
		n = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || math.Abs(n) > maxNumericValue {
		return 0, false
	}
	return n, true
}

// isValidAttributeValue reports whether an attribute value can be used for
// targeting and forwarded on events: strings, bools, and usable numbers.
func isValidAttributeValue(value interface{}) bool {
	switch value.(type) {
	case string, bool:
		return true
	default:
		_, ok := numericValue(value)
		return ok
	}
}

func boolPtr(b bool) *bool { return &b }
