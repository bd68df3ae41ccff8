package coords

import "fmt"

// ErrDomain can be used with errors.Is to detect any *DomainError.
var ErrDomain = &DomainError{}

// DomainError is returned when a position lies outside the limits of a
// non-periodic coordinate system.
type DomainError struct {
	Pos    []float64
	Limits [][2]float64
}

func (e *DomainError) Error() string {
	if e.Pos == nil {
		return "position out of bounds"
	}
	return fmt.Sprintf("position %v is out of bounds for limits %v", e.Pos, e.Limits)
}

func (e *DomainError) Is(target error) bool {
	_, ok := target.(*DomainError)
	return ok
}
