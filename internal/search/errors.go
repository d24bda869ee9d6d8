package search

import "github.com/MarcoPoloResearchLab/movieguru/internal/serviceerr"

// ServiceError tags a failure with a stable "<operation>.<reason>" code.
type ServiceError = serviceerr.Error

func newServiceError(operation, reason string, cause error) error {
	return serviceerr.New(operation, reason, cause)
}
