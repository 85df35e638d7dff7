// Package feed decodes domain events pulled from the remote event feed and
// classifies them into notification categories.
package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed marks a single feed item that could not be decoded.
// Callers skip the item; it never aborts a batch.
var ErrMalformed = errors.New("feed: malformed event")

type Category string

const (
	CategoryNewEntity Category = "new_entity_created"
	CategoryError     Category = "operational_error"
	CategoryInfo      Category = "informational"
)

// EntityRef is the opaque id/name pair an event refers to.
type EntityRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// RawEvent holds the feed fields the classifier consumes; everything else on
// the wire is ignored.
type RawEvent struct {
	Timestamp  time.Time
	Title      string
	Action     string
	Code       string
	EntityID   string
	EntityName string
}

func (e RawEvent) Entity() EntityRef {
	return EntityRef{ID: e.EntityID, Name: e.EntityName}
}

// MatchText is the free text the classifier rules run against.
func (e RawEvent) MatchText() string {
	return strings.TrimSpace(e.Title + " " + e.Action)
}

type wireEvent struct {
	Timestamp  json.RawMessage `json:"timestamp"`
	Title      string          `json:"title"`
	Action     string          `json:"action"`
	Code       flexString      `json:"code"`
	EntityID   flexString      `json:"entity_id"`
	EntityName string          `json:"entity_name"`
}

// flexString accepts a JSON string or number (ids and codes arrive as both).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Decode parses one feed item. Items without a usable timestamp are malformed.
func Decode(raw json.RawMessage) (RawEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return RawEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return RawEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return RawEvent{
		Timestamp:  ts,
		Title:      strings.TrimSpace(w.Title),
		Action:     strings.TrimSpace(w.Action),
		Code:       string(w.Code),
		EntityID:   string(w.EntityID),
		EntityName: strings.TrimSpace(w.EntityName),
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC3339 text, a local "YYYY-MM-DD hh:mm:ss" form
// (read as UTC), or unix milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, errors.New("timestamp missing")
	}
	if raw[0] != '"' {
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %s: %w", raw, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q: unrecognized format", s)
}
