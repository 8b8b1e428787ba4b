package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrMalformedSnapshot is wrapped by every ParseSnapshot failure
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// ParseSnapshot decodes a {lpPositions, summary?} document. lpPositions must
// be present and array-typed; a summary that cannot be decoded is dropped,
// since it is derived data.
func ParseSnapshot(body []byte) (*PortfolioSnapshot, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil || envelope == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedSnapshot)
	}

	raw, ok := envelope["lpPositions"]
	if !ok {
		return nil, fmt.Errorf("%w: lpPositions is missing", ErrMalformedSnapshot)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, fmt.Errorf("%w: lpPositions is not an array", ErrMalformedSnapshot)
	}

	var positions []Position
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, fmt.Errorf("%w: lpPositions entries: %v", ErrMalformedSnapshot, err)
	}
	if positions == nil {
		positions = []Position{}
	}

	snapshot := &PortfolioSnapshot{LPPositions: positions}
	if rawSummary, ok := envelope["summary"]; ok {
		var summary Summary
		if err := json.Unmarshal(rawSummary, &summary); err == nil && !bytes.Equal(bytes.TrimSpace(rawSummary), []byte("null")) {
			snapshot.Summary = &summary
		}
	}
	return snapshot, nil
}

// EmptySnapshot returns a well-formed snapshot with no positions and a zeroed summary
func EmptySnapshot() *PortfolioSnapshot {
	return &PortfolioSnapshot{
		LPPositions: []Position{},
		Summary: &Summary{
			Protocols: []string{},
		},
	}
}

// ComputeSummary derives the summary aggregates from a list of positions.
// USD values are summed as decimals so that many small values do not drift.
func ComputeSummary(positions []Position) Summary {
	total := decimal.Zero
	priced := 0
	seen := make(map[string]struct{})
	protocols := make([]string, 0)

	for _, p := range positions {
		if p.ValueUSD != nil {
			total = total.Add(decimal.NewFromFloat(*p.ValueUSD))
			priced++
		}
		if p.Protocol == "" {
			continue
		}
		if _, ok := seen[p.Protocol]; !ok {
			seen[p.Protocol] = struct{}{}
			protocols = append(protocols, p.Protocol)
		}
	}
	sort.Strings(protocols)

	return Summary{
		TotalPositions:      len(positions),
		Protocols:           protocols,
		TotalValueUSD:       total.InexactFloat64(),
		PositionsWithPrices: priced,
	}
}

// EffectiveSummary returns the snapshot's summary, recomputing it from the
// positions when it is absent
func (s *PortfolioSnapshot) EffectiveSummary() Summary {
	if s == nil {
		return ComputeSummary(nil)
	}
	if s.Summary != nil {
		summary := *s.Summary
		if summary.Protocols == nil {
			summary.Protocols = []string{}
		}
		return summary
	}
	return ComputeSummary(s.LPPositions)
}

// Normalize returns a snapshot that is safe to hand to callers: a nil
// snapshot becomes empty, a nil position list becomes an empty list and a
// missing summary is filled in.
func (s *PortfolioSnapshot) Normalize() *PortfolioSnapshot {
	if s == nil {
		return EmptySnapshot()
	}
	positions := s.LPPositions
	if positions == nil {
		positions = []Position{}
	}
	out := &PortfolioSnapshot{LPPositions: positions}
	summary := s.EffectiveSummary()
	out.Summary = &summary
	return out
}

// PositionCount returns the number of positions in the snapshot
func (s *PortfolioSnapshot) PositionCount() int {
	if s == nil {
		return 0
	}
	return len(s.LPPositions)
}
