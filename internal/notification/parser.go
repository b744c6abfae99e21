// Package notification turns queued bucket-event notifications into object references.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Shape identifies which envelope form a notification body used.
type Shape int

const (
	ShapeUnknown  Shape = iota
	ShapeDirect         // {"Records":[...]}
	ShapeIndirect       // {"Message":"<json>"} relayed through a fan-out topic
	ShapeBare           // {"bucket":{...},"object":{...}}
	ShapeTestEvent      // {"Event":"s3:TestEvent"} sent when notifications are configured
)

func (s Shape) String() string {
	switch s {
	case ShapeDirect:
		return "direct"
	case ShapeIndirect:
		return "indirect"
	case ShapeBare:
		return "bare"
	case ShapeTestEvent:
		return "test_event"
	default:
		return "unknown"
	}
}

const (
	// maxDepth bounds how many indirect envelopes may be nested.
	maxDepth = 4

	// excerptLen is how much of a bad body is kept for diagnostics.
	excerptLen = 256

	s3EventSource = "aws:s3"
	testEventName = "s3:TestEvent"
)

// Parse errors.
var (
	ErrMalformed    = errors.New("body is not valid JSON")
	ErrUnrecognized = errors.New("unrecognized notification shape")
	ErrTooDeep      = errors.New("notification envelopes nested too deeply")
	ErrRecord       = errors.New("invalid event record")
)

// ObjectReference identifies one object to replicate.
type ObjectReference struct {
	Bucket string
	Key    string

	// Carried from the event record for diagnostics only.
	Size      int64
	ETag      string
	EventName string
	Sequencer string
}

func (r ObjectReference) String() string {
	return r.Bucket + "/" + r.Key
}

// Result is the outcome of parsing one notification body.
type Result struct {
	Shape      Shape
	References []ObjectReference
	Skipped    int // records ignored on purpose (foreign source, removal events)
}

// RecordError describes one event record that could not be turned into a reference.
type RecordError struct {
	Index  int
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %s", e.Index, e.Reason)
}

func (e *RecordError) Unwrap() error { return ErrRecord }

// ParseError is returned for any body that failed to parse, fully or in part.
type ParseError struct {
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse notification: %v (body: %q)", e.Err, e.Excerpt)
}

func (e *ParseError) Unwrap() error { return e.Err }

type eventRecord struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	S3          *struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			Size      int64  `json:"size"`
			ETag      string `json:"eTag"`
			Sequencer string `json:"sequencer"`
		} `json:"object"`
	} `json:"s3"`
}

type bareRecord struct {
	Bucket struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key  string `json:"key"`
		Size int64  `json:"size"`
		ETag string `json:"eTag"`
	} `json:"object"`
}

// Parse resolves a notification body into object references.
//
// The body may be a direct event container, an envelope whose "Message" field
// holds a JSON-encoded container, a single bare record, or an S3 test event.
// When some records are invalid, the valid references are still returned
// alongside a *ParseError.
func Parse(body string) (*Result, error) {
	res, err := parse(body, 0)
	if err != nil {
		return res, &ParseError{Excerpt: excerpt(body), Err: err}
	}
	return res, nil
}

func parse(body string, depth int) (*Result, error) {
	if depth >= maxDepth {
		return &Result{}, ErrTooDeep
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return &Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case fields["Records"] != nil:
		return parseRecords(fields["Records"])

	case fields["Message"] != nil:
		var inner string
		if err := json.Unmarshal(fields["Message"], &inner); err != nil || inner == "" {
			return &Result{}, fmt.Errorf("%w: Message is not a string", ErrUnrecognized)
		}
		res, err := parse(inner, depth+1)
		// Nested envelopes are reported as indirect regardless of depth.
		if res != nil && res.Shape != ShapeUnknown {
			res.Shape = ShapeIndirect
		}
		return res, err

	case isTestEvent(fields["Event"]):
		return &Result{Shape: ShapeTestEvent}, nil

	case fields["bucket"] != nil && fields["object"] != nil:
		return parseBare(body)
	}

	return &Result{}, ErrUnrecognized
}

func parseRecords(raw json.RawMessage) (*Result, error) {
	var records []eventRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return &Result{}, fmt.Errorf("%w: Records: %v", ErrUnrecognized, err)
	}

	res := &Result{Shape: ShapeDirect, References: make([]ObjectReference, 0, len(records))}
	var errs []error
	for i, rec := range records {
		if rec.EventSource != "" && rec.EventSource != s3EventSource {
			res.Skipped++
			continue
		}
		if strings.HasPrefix(rec.EventName, "ObjectRemoved") {
			res.Skipped++
			continue
		}
		if rec.S3 == nil {
			errs = append(errs, &RecordError{Index: i, Reason: "missing s3 section"})
			continue
		}

		ref, reason := newReference(rec.S3.Bucket.Name, rec.S3.Object.Key)
		if reason != "" {
			errs = append(errs, &RecordError{Index: i, Reason: reason})
			continue
		}
		ref.Size = rec.S3.Object.Size
		ref.ETag = rec.S3.Object.ETag
		ref.EventName = rec.EventName
		ref.Sequencer = rec.S3.Object.Sequencer
		res.References = append(res.References, ref)
	}

	return res, errors.Join(errs...)
}

func parseBare(body string) (*Result, error) {
	var rec bareRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return &Result{}, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}

	ref, reason := newReference(rec.Bucket.Name, rec.Object.Key)
	if reason != "" {
		return &Result{Shape: ShapeBare}, &RecordError{Index: 0, Reason: reason}
	}
	ref.Size = rec.Object.Size
	ref.ETag = rec.Object.ETag
	return &Result{Shape: ShapeBare, References: []ObjectReference{ref}}, nil
}

func newReference(bucket, rawKey string) (ObjectReference, string) {
	if bucket == "" {
		return ObjectReference{}, "missing bucket name"
	}
	if rawKey == "" {
		return ObjectReference{}, "missing object key"
	}
	key, err := DecodeKey(rawKey)
	if err != nil {
		return ObjectReference{}, fmt.Sprintf("undecodable key %q: %v", rawKey, err)
	}
	if key == "" {
		return ObjectReference{}, "empty object key"
	}
	return ObjectReference{Bucket: bucket, Key: key}, ""
}

// DecodeKey reverses the form encoding bucket events apply to object keys:
// percent escapes are decoded and '+' becomes a space.
func DecodeKey(raw string) (string, error) {
	return url.QueryUnescape(raw)
}

func isTestEvent(raw json.RawMessage) bool {
	if raw == nil {
		return false
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return false
	}
	return name == testEventName
}

func excerpt(body string) string {
	if len(body) <= excerptLen {
		return body
	}
	return body[:excerptLen] + "..."
}
