package voe

import "fmt"

// FetchError is a failed schedule request: transport, HTTP status, undecodable
// response, or a response without the schedule fragment.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("voe fetch %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("voe fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the schedule grid could not be located in the fragment.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "voe parse: " + e.Reason }
