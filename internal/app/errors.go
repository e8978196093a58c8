// Package app hosts the remediation service: listing and validating
// quarantined records, merging corrected ones into the clean table, and the
// HTTP surface in front of it all.
package app

import "fmt"

// DomainError carries the HTTP mapping for an expected failure, such as a
// malformed composite key or a duplicate within a batch.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
