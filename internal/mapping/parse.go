package mapping

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ParseError reports a malformed record in a remote mapping listing.
type ParseError struct {
	Line   int    // 1-based line number in the listing
	Record string // offending line, trimmed
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse mapping record at line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// record is the JSON object natmap writes for each mapping.
type record struct {
	Protocol  *string `json:"protocol"`
	InnerPort *int    `json:"inner_port"`
	IP        *string `json:"ip"`
	Port      *int    `json:"port"`
}

// ParseListing parses the output of the remote listing command: one JSON
// record per line, blank lines ignored. Any malformed line fails the whole
// listing with a *ParseError.
func ParseListing(raw string) (Set, error) {
	out := make(Set)
	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, v, err := parseRecord(line)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Record: line, Err: err}
		}
		out[key] = v
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Line: lineNo + 1, Err: err}
	}
	return out, nil
}

func parseRecord(line string) (string, Value, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(line)))
	var rec record
	if err := dec.Decode(&rec); err != nil {
		return "", Value{}, err
	}
	if dec.More() {
		return "", Value{}, errors.New("trailing data after record")
	}

	switch {
	case rec.Protocol == nil:
		return "", Value{}, errors.New("missing protocol")
	case rec.InnerPort == nil:
		return "", Value{}, errors.New("missing inner_port")
	case rec.IP == nil:
		return "", Value{}, errors.New("missing ip")
	case rec.Port == nil:
		return "", Value{}, errors.New("missing port")
	}

	key := MakeKey(*rec.Protocol, *rec.InnerPort)
	if _, _, err := ParseKey(key); err != nil {
		return "", Value{}, err
	}
	if err := validatePort(*rec.Port); err != nil {
		return "", Value{}, err
	}
	return key, Value{IP: *rec.IP, Port: *rec.Port}, nil
}
