package types

import "fmt"

// CallerContext identifies who is searching. It is supplied by an external
// auth layer and used only for permission bounding and scoring bonuses.
type CallerContext struct {
	ID             string
	ClearanceLevel int
	Department     string // optional
	Campus         string // optional
}

// Validate checks the caller context supplied by the auth layer
func (c CallerContext) Validate() error {
	if c.ClearanceLevel < 0 {
		return fmt.Errorf("%w: caller clearance level must be >= 0", ErrInvalidInput)
	}
	return nil
}
