// Package task encodes and decodes the JSON bodies exchanged on the work
// queues.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrMalformed marks a body that can never be processed. Consumers
// acknowledge and drop such messages.
var ErrMalformed = errors.New("task: malformed message")

// Kind distinguishes the two task types.
type Kind string

// Task kinds.
const (
	KindList   Kind = "list"
	KindDetail Kind = "detail"
)

// Message is a unit of work. Cursor is only set on resumed list tasks and
// names the first page still to be scraped.
type Message struct {
	Kind       Kind   `json:"kind,omitempty"`
	URL        string `json:"url"`
	ExternalID string `json:"yokId,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
}

type wireMessage struct {
	Kind          Kind   `json:"kind"`
	URL           string `json:"url"`
	DepartmentURL string `json:"departmentUrl"`
	ProfileURL    string `json:"profileUrl"`
	ExternalID    string `json:"yokId"`
	Cursor        string `json:"cursor"`
}

// NewList builds a list task for a department listing URL.
func NewList(listURL string) Message {
	return Message{Kind: KindList, URL: listURL}
}

// NewDetail builds a detail task for a profile URL.
func NewDetail(profileURL, externalID string) Message {
	return Message{Kind: KindDetail, URL: profileURL, ExternalID: externalID}
}

// Encode renders m as JSON.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return body, nil
}

// Decode parses a task body. Invalid JSON or a missing URL yields an error
// wrapping ErrMalformed. The legacy departmentUrl and profileUrl keys are
// accepted in place of url.
func Decode(body []byte, kind Kind) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m := Message{
		Kind:       kind,
		URL:        strings.TrimSpace(w.URL),
		ExternalID: strings.TrimSpace(w.ExternalID),
		Cursor:     strings.TrimSpace(w.Cursor),
	}
	if m.URL == "" {
		switch kind {
		case KindList:
			m.URL = strings.TrimSpace(w.DepartmentURL)
		case KindDetail:
			m.URL = strings.TrimSpace(w.ProfileURL)
		}
	}
	if m.URL == "" {
		return Message{}, fmt.Errorf("%w: url is required", ErrMalformed)
	}
	if _, err := url.Parse(m.URL); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

var authorIDPattern = regexp.MustCompile(`authorId=([^&]+)`)

// ExternalIDFromURL extracts the YÖK author id from a profile URL.
func ExternalIDFromURL(profileURL string) (string, bool) {
	match := authorIDPattern.FindStringSubmatch(profileURL)
	if match == nil || match[1] == "" {
		return "", false
	}
	id, err := url.QueryUnescape(match[1])
	if err != nil {
		return match[1], true
	}
	return id, true
}
