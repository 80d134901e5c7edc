package heading

import (
	"fmt"
	"strings"
)

// SourceID identifies a record across every host: host id, a dash, then the
// host-native record id. Host ids never contain a dash, so the first dash
// always separates the two parts.
type SourceID string

// NewSourceID builds the composite id of a host-native record
func NewSourceID(hostID, nativeID string) SourceID {
	return SourceID(hostID + "-" + nativeID)
}

// ParseSourceID splits a source id into host id and native id
func ParseSourceID(s string) (SourceID, error) {
	idx := strings.Index(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return "", fmt.Errorf("sourceId %s is invalid", s)
	}
	return SourceID(s), nil
}

// HostID returns the host part
func (id SourceID) HostID() string {
	s := string(id)
	if idx := strings.Index(s, "-"); idx > 0 {
		return s[:idx]
	}
	return ""
}

// NativeID returns the host-native record id
func (id SourceID) NativeID() string {
	s := string(id)
	if idx := strings.Index(s, "-"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func (id SourceID) String() string {
	return string(id)
}

// NativeIDFromUID strips the system and version parts of a versioned
// composition uid ("uuid::system::version").
func NativeIDFromUID(uid string) string {
	if idx := strings.Index(uid, "::"); idx >= 0 {
		return uid[:idx]
	}
	return uid
}
