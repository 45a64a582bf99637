package check

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrDuplicateCheck is returned when a check id is added twice.
var ErrDuplicateCheck = errors.New("duplicate check id")

// ResultSet maps check ids to results and keeps insertion order.
type ResultSet struct {
	order   []string
	results map[string]Result
}

// NewResultSet returns an empty set.
func NewResultSet() *ResultSet {
	return &ResultSet{results: make(map[string]Result)}
}

// Add stores a copy of r.
func (s *ResultSet) Add(r Result) error {
	if s.results == nil {
		s.results = make(map[string]Result)
	}
	if _, exists := s.results[r.CheckID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCheck, r.CheckID)
	}
	s.order = append(s.order, r.CheckID)
	s.results[r.CheckID] = r.Clone()
	return nil
}

// Get returns a copy of the result for id.
func (s *ResultSet) Get(id string) (Result, bool) {
	if s == nil {
		return Result{}, false
	}
	r, ok := s.results[id]
	if !ok {
		return Result{}, false
	}
	return r.Clone(), true
}

// Len returns the number of results.
func (s *ResultSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// IDs returns check ids in insertion order.
func (s *ResultSet) IDs() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// Results returns copies of every result in insertion order.
func (s *ResultSet) Results() []Result {
	if s == nil {
		return nil
	}
	out := make([]Result, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.results[id].Clone())
	}
	return out
}

// Summary tallies the set.
func (s *ResultSet) Summary() Summary {
	return Summarize(s.Results())
}

// MarshalJSON encodes the set as an object whose keys keep insertion order.
func (s *ResultSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if s != nil {
		for i, id := range s.order {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(id)
			if err != nil {
				return nil, err
			}
			val, err := json.Marshal(s.results[id])
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(val)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object written by MarshalJSON, keeping key order.
func (s *ResultSet) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("result set: expected object, got %v", tok)
	}
	fresh := NewResultSet()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("result set: expected key, got %v", tok)
		}
		var r Result
		if err := dec.Decode(&r); err != nil {
			return fmt.Errorf("result set: decode %s: %w", key, err)
		}
		if r.CheckID == "" {
			r.CheckID = key
		}
		if err := fresh.Add(r); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = *fresh
	return nil
}

// Summary is the per-status tally of a scan.
type Summary struct {
	Total    int `json:"total"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	Skipped  int `json:"skipped"`
	// ComplianceScore is passed checks over checks that ran, as a percentage
	// rounded to two decimals.
	ComplianceScore float64 `json:"compliance_score"`
}

// Summarize tallies results. SKIPPED rows count toward Total but not the
// score denominator.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		s.Total++
		switch r.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusWarning:
			s.Warnings++
		case StatusError:
			s.Errors++
		case StatusSkipped:
			s.Skipped++
		}
	}
	if ran := s.Total - s.Skipped; ran > 0 {
		s.ComplianceScore = math.Round(float64(s.Passed)/float64(ran)*10000) / 100
	}
	return s
}

// HasProblems reports FAIL or ERROR rows.
func (s Summary) HasProblems() bool {
	return s.Failed > 0 || s.Errors > 0
}
