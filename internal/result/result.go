// Package result defines the closed set of tool result shapes. Every
// tool handler produces exactly one variant; the variant's JSON form is
// what the model sees in the tool-response turn, and its Kind tag lets
// a persisted result be decoded back into the same variant.
//
// Callers that branch on a result use a type switch over the variants
// below. KindOf panics on a type it does not know, so adding a variant
// without extending the switches fails loudly in tests.
package result

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result is implemented only by the variants in this package.
type Result interface {
	isResult()
}

// Kind is the discriminator stored alongside a persisted result.
type Kind string

const (
	KindWeather  Kind = "weather"
	KindEmails   Kind = "emails"
	KindEvents   Kind = "events"
	KindFiles    Kind = "files"
	KindRoute    Kind = "route"
	KindContacts Kind = "contacts"
	KindMemories Kind = "memories"
	KindTasks    Kind = "tasks"
	KindContent  Kind = "content"
	KindAck      Kind = "ack"
	KindFailure  Kind = "failure"
	KindError    Kind = "error"
)

// Weather is the current conditions for a location.
type Weather struct {
	Location    string  `json:"location"`
	Temperature float64 `json:"temperature"`
	Condition   string  `json:"condition"`
	Humidity    int     `json:"humidity"`
	WindSpeed   float64 `json:"windSpeed,omitempty"`
	Example     bool    `json:"example,omitempty"`
}

// Email is one message summary in the provider-neutral list shape.
type Email struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId,omitempty"`
	Sender   string `json:"sender"`
	Subject  string `json:"subject"`
	Date     string `json:"date"`
	Snippet  string `json:"snippet"`
}

// Emails is the result of reading a mailbox.
type Emails struct {
	Emails  []Email `json:"emails"`
	Example bool    `json:"example,omitempty"`
}

// Event is one calendar entry.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end,omitzero"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Events is the result of a calendar query.
type Events struct {
	Events  []Event `json:"events"`
	Example bool    `json:"example,omitempty"`
}

// File is one entry from the file index.
type File struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	MimeType string    `json:"mimeType"`
	Modified time.Time `json:"modifiedTime,omitzero"`
	Link     string    `json:"webViewLink,omitempty"`
	Owner    string    `json:"owner,omitempty"`
}

// Files is the result of a file-index listing.
type Files struct {
	Files   []File `json:"files"`
	Example bool   `json:"example,omitempty"`
}

// Route is a computed route between two places.
type Route struct {
	Origin      string   `json:"origin"`
	Destination string   `json:"destination"`
	DistanceKm  float64  `json:"distanceKm"`
	DurationMin float64  `json:"durationMin"`
	Steps       []string `json:"steps"`
	Example     bool     `json:"example,omitempty"`
}

// Contact is one address-book entry.
type Contact struct {
	Name         string   `json:"name"`
	Emails       []string `json:"emails,omitempty"`
	Phones       []string `json:"phones,omitempty"`
	Organization string   `json:"organization,omitempty"`
}

// Contacts is the result of an address-book search.
type Contacts struct {
	Contacts []Contact `json:"contacts"`
	Example  bool      `json:"example,omitempty"`
}

// Memory is a stored fact as shown to the model.
type Memory struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"createdAt"`
}

// Memories lists stored facts.
type Memories struct {
	Memories []Memory `json:"memories"`
}

// Task is a timeline item as shown to the model.
type Task struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Status   string     `json:"status"`
	Due      *time.Time `json:"due,omitempty"`
	Schedule string     `json:"schedule,omitempty"`
}

// Tasks lists timeline items.
type Tasks struct {
	Tasks []Task `json:"tasks"`
}

// Content is opaque text returned by the secondary tool provider.
type Content struct {
	Content string `json:"content"`
}

// Ack confirms a write without echoing the written record.
type Ack struct {
	Success bool `json:"success"`
}

// Failure reports a write that did not happen.
type Failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Error reports a read or dispatch problem.
type Error struct {
	Error string `json:"error"`
}

func (Weather) isResult()  {}
func (Emails) isResult()   {}
func (Events) isResult()   {}
func (Files) isResult()    {}
func (Route) isResult()    {}
func (Contacts) isResult() {}
func (Memories) isResult() {}
func (Tasks) isResult()    {}
func (Content) isResult()  {}
func (Ack) isResult()      {}
func (Failure) isResult()  {}
func (Error) isResult()    {}

// OK returns the success acknowledgement.
func OK() Ack { return Ack{Success: true} }

// Fail returns a write failure with the given reason.
func Fail(format string, args ...any) Failure {
	return Failure{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Errorf returns a read/dispatch error result.
func Errorf(format string, args ...any) Error {
	return Error{Error: fmt.Sprintf(format, args...)}
}

// KindOf returns the discriminator for r.
func KindOf(r Result) Kind {
	switch r.(type) {
	case Weather:
		return KindWeather
	case Emails:
		return KindEmails
	case Events:
		return KindEvents
	case Files:
		return KindFiles
	case Route:
		return KindRoute
	case Contacts:
		return KindContacts
	case Memories:
		return KindMemories
	case Tasks:
		return KindTasks
	case Content:
		return KindContent
	case Ack:
		return KindAck
	case Failure:
		return KindFailure
	case Error:
		return KindError
	default:
		panic(fmt.Sprintf("result: unhandled variant %T", r))
	}
}

// Failed reports whether r is a Failure or an Error.
func Failed(r Result) bool {
	switch r.(type) {
	case Failure, Error:
		return true
	}
	return false
}

// IsExample reports whether r carries fallback data rather than live
// data.
func IsExample(r Result) bool {
	switch v := r.(type) {
	case Weather:
		return v.Example
	case Emails:
		return v.Example
	case Events:
		return v.Example
	case Files:
		return v.Example
	case Route:
		return v.Example
	case Contacts:
		return v.Example
	case Memories, Tasks, Content, Ack, Failure, Error:
		return false
	default:
		panic(fmt.Sprintf("result: unhandled variant %T", r))
	}
}

// AsExample returns r flagged as fallback data. Variants that cannot
// carry fallback data are returned unchanged.
func AsExample(r Result) Result {
	switch v := r.(type) {
	case Weather:
		v.Example = true
		return v
	case Emails:
		v.Example = true
		return v
	case Events:
		v.Example = true
		return v
	case Files:
		v.Example = true
		return v
	case Route:
		v.Example = true
		return v
	case Contacts:
		v.Example = true
		return v
	default:
		return r
	}
}

// Summary is a one-line description for logs and the CLI.
func Summary(r Result) string {
	switch v := r.(type) {
	case Weather:
		return fmt.Sprintf("weather for %s: %.0f°, %s", v.Location, v.Temperature, v.Condition)
	case Emails:
		return fmt.Sprintf("%d emails", len(v.Emails))
	case Events:
		return fmt.Sprintf("%d events", len(v.Events))
	case Files:
		return fmt.Sprintf("%d files", len(v.Files))
	case Route:
		return fmt.Sprintf("route %s → %s, %d steps", v.Origin, v.Destination, len(v.Steps))
	case Contacts:
		return fmt.Sprintf("%d contacts", len(v.Contacts))
	case Memories:
		return fmt.Sprintf("%d memories", len(v.Memories))
	case Tasks:
		return fmt.Sprintf("%d tasks", len(v.Tasks))
	case Content:
		return fmt.Sprintf("%d bytes of content", len(v.Content))
	case Ack:
		return "ok"
	case Failure:
		return "failed: " + v.Error
	case Error:
		return "error: " + v.Error
	default:
		panic(fmt.Sprintf("result: unhandled variant %T", r))
	}
}

// Decode rebuilds the variant named by kind from its JSON payload.
func Decode(kind Kind, raw []byte) (Result, error) {
	var (
		r   Result
		err error
	)
	switch kind {
	case KindWeather:
		r, err = decodeAs[Weather](raw)
	case KindEmails:
		r, err = decodeAs[Emails](raw)
	case KindEvents:
		r, err = decodeAs[Events](raw)
	case KindFiles:
		r, err = decodeAs[Files](raw)
	case KindRoute:
		r, err = decodeAs[Route](raw)
	case KindContacts:
		r, err = decodeAs[Contacts](raw)
	case KindMemories:
		r, err = decodeAs[Memories](raw)
	case KindTasks:
		r, err = decodeAs[Tasks](raw)
	case KindContent:
		r, err = decodeAs[Content](raw)
	case KindAck:
		r, err = decodeAs[Ack](raw)
	case KindFailure:
		r, err = decodeAs[Failure](raw)
	case KindError:
		r, err = decodeAs[Error](raw)
	default:
		return nil, fmt.Errorf("unknown result kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s result: %w", kind, err)
	}
	return r, nil
}

func decodeAs[T Result](raw []byte) (Result, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
