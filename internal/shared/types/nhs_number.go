package types

import (
	"fmt"
	"regexp"
)

// NHSNumber is the ten digit patient identifier used to look a patient up on
// every host. Test patients (999 999 xxxx) do not carry a valid mod 11
// check digit, so only the format is enforced when parsing.
type NHSNumber string

var nhsNumberRegex = regexp.MustCompile(`^\d{10}$`)

// ParseNHSNumber validates and parses an NHS number string
func ParseNHSNumber(s string) (NHSNumber, error) {
	if s == "" {
		return "", fmt.Errorf("patientId must be defined")
	}
	if !nhsNumberRegex.MatchString(s) {
		return "", fmt.Errorf("patientId %s is invalid", s)
	}
	return NHSNumber(s), nil
}

// String returns the string representation
func (n NHSNumber) String() string {
	return string(n)
}

// Masked returns a masked version for logs (last 4 digits visible)
func (n NHSNumber) Masked() string {
	if len(n) < 10 {
		return "**********"
	}
	return "******" + string(n)[6:]
}

// HasValidChecksum validates the mod 11 check digit
func (n NHSNumber) HasValidChecksum() bool {
	if len(n) != 10 {
		return false
	}

	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(n[i]-'0') * (10 - i)
	}

	checkDigit := 11 - (sum % 11)
	if checkDigit == 11 {
		checkDigit = 0
	}
	// A check digit of 10 means the number was never issued
	if checkDigit == 10 {
		return false
	}

	return int(n[9]-'0') == checkDigit
}

// IsZero checks if the NHS number is empty
func (n NHSNumber) IsZero() bool {
	return n == ""
}

// ParsePatientID parses a patient id, also enforcing the check digit when strict is set
func ParsePatientID(s string, strict bool) (NHSNumber, error) {
	n, err := ParseNHSNumber(s)
	if err != nil {
		return "", err
	}
	if strict && !n.HasValidChecksum() {
		return "", fmt.Errorf("patientId %s has an invalid check digit", s)
	}
	return n, nil
}
