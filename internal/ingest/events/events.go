// Package events defines the inbound events routed by the service and the response returned for them.
//
// An event is either a storage notification listing the objects that were created, or an HTTP-shaped request.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrUnknownEvent is returned when an event is neither a storage notification nor an HTTP-shaped request.
	ErrUnknownEvent = errors.New("unknown event shape")
)

// Entry identifies one created object.
type Entry struct {
	Bucket string
	Key    string
}

// Notification lists the objects a storage notification is about, in delivery order.
type Notification struct {
	Entries []Entry
}

// APIRequest is an HTTP-shaped request.
type APIRequest struct {
	HTTPMethod string `json:"httpMethod"`
	Path       string `json:"path"`
	Body       string `json:"body"`
}

// Event is a routed event. API is set for HTTP-shaped requests, Notification otherwise.
type Event struct {
	API          *APIRequest
	Notification Notification
}

// Response is the outcome of handling an event.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// JSONResponse returns a Response whose body is the JSON encoding of v.
func JSONResponse(status int, v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{StatusCode: 500, Body: fmt.Sprintf("could not encode response: %v", err)}
	}
	return Response{StatusCode: status, Body: string(data)}
}

type rawEvent struct {
	HTTPMethod *string         `json:"httpMethod"`
	Path       string          `json:"path"`
	Body       *string         `json:"body"`
	Records    json.RawMessage `json:"Records"`
}

type rawNotification struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// Parse decodes a raw event.
// An event carrying an httpMethod is an HTTP-shaped request, one carrying Records is a storage notification.
func Parse(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("invalid event: %v", err)
	}

	if raw.HTTPMethod != nil {
		req := &APIRequest{HTTPMethod: *raw.HTTPMethod, Path: raw.Path}
		if raw.Body != nil {
			req.Body = *raw.Body
		}
		return Event{API: req}, nil
	}

	if raw.Records == nil {
		return Event{}, ErrUnknownEvent
	}

	n, err := ParseNotification(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Notification: n}, nil
}

// ParseNotification decodes a storage notification.
// Object keys arrive URL encoded and are decoded here.
func ParseNotification(data []byte) (Notification, error) {
	var raw rawNotification
	if err := json.Unmarshal(data, &raw); err != nil {
		return Notification{}, fmt.Errorf("invalid notification: %v", err)
	}

	n := Notification{Entries: make([]Entry, 0, len(raw.Records))}
	for i, r := range raw.Records {
		if r.S3.Bucket.Name == "" || r.S3.Object.Key == "" {
			return Notification{}, fmt.Errorf("invalid notification: record %d has no bucket or key", i)
		}
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			return Notification{}, fmt.Errorf("invalid notification: record %d key %q: %v", i, r.S3.Object.Key, err)
		}
		n.Entries = append(n.Entries, Entry{Bucket: r.S3.Bucket.Name, Key: key})
	}
	return n, nil
}

// NewNotification returns the storage notification document for the given entries.
func NewNotification(entries ...Entry) []byte {
	type object struct {
		Key string `json:"key"`
	}
	type bucket struct {
		Name string `json:"name"`
	}
	type s3 struct {
		Bucket bucket `json:"bucket"`
		Object object `json:"object"`
	}
	type rec struct {
		S3 s3 `json:"s3"`
	}

	recs := make([]rec, 0, len(entries))
	for _, e := range entries {
		recs = append(recs, rec{S3: s3{Bucket: bucket{Name: e.Bucket}, Object: object{Key: url.QueryEscape(e.Key)}}})
	}

	// Only plain strings are encoded, so this never fails.
	data, _ := json.Marshal(map[string]any{"Records": recs})
	return data
}
