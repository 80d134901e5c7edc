// Package heading defines clinical record headings, the normalized record
// shape shared by every host, and the typed transformer registry that maps
// each heading to its host query and write formats.
package heading

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Heading is a named category of clinical data.
type Heading string

const (
	Allergies    Heading = "allergies"
	Contacts     Heading = "contacts"
	Medications  Heading = "medications"
	Problems     Heading = "problems"
	Procedures   Heading = "procedures"
	Vaccinations Heading = "vaccinations"

	// Finished is the sentinel that closes a discovery synchronization pass.
	Finished Heading = "finished"
)

var headingRegex = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*$`)

// Parse validates the form of a heading name. Whether the heading is
// supported is decided by the Registry.
func Parse(s string) (Heading, error) {
	h := strings.TrimSpace(s)
	if h == "" {
		return "", fmt.Errorf("heading must be defined")
	}
	if !headingRegex.MatchString(h) {
		return "", fmt.Errorf("heading %s is invalid", s)
	}
	return Heading(h), nil
}

func (h Heading) String() string {
	return string(h)
}

// IsSentinel reports whether the heading carries no clinical data
func (h Heading) IsSentinel() bool {
	return h == Finished
}

// Operation is the kind of write sent to a host.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Record is a heading record normalized from one host.
type Record struct {
	SourceID       SourceID       `json:"sourceId"`
	HostID         string         `json:"source"`
	NativeID       string         `json:"nativeId"`
	CompositionUID string         `json:"compositionUid,omitempty"`
	Heading        Heading        `json:"heading"`
	PatientID      string         `json:"patientId"`
	Date           *time.Time     `json:"dateCreated,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// DateKey returns the byDate index key, false when the record is undated.
func (r Record) DateKey() (int64, bool) {
	if r.Date == nil {
		return 0, false
	}
	return r.Date.UnixMilli(), true
}
