package main

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/nt219/interledger/client"
)

// compileJQ parses and compiles a set of jq filter expressions.
func compileJQ(filters []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// matchesJQ reports whether every compiled filter evaluates to a truthy
// value against the given document.
func matchesJQ(doc interface{}, codes []*gojq.Code) bool {
	for _, code := range codes {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := v.(error); isErr {
			return false
		}
		if !isTruthy(v) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// filterTransfers keeps the transfers that satisfy every jq filter. The
// filters run against the transfer's JSON representation.
func filterTransfers(transfers []*client.Transfer, filters []string) ([]*client.Transfer, error) {
	if len(filters) == 0 {
		return transfers, nil
	}

	codes, err := compileJQ(filters)
	if err != nil {
		return nil, err
	}

	kept := make([]*client.Transfer, 0, len(transfers))
	for _, t := range transfers {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transfer %s: %w", t.ReferenceCode, err)
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transfer %s: %w", t.ReferenceCode, err)
		}
		if matchesJQ(doc, codes) {
			kept = append(kept, t)
		}
	}
	return kept, nil
}
