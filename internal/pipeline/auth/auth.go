package auth

import "fmt"

// ForbiddenError indicates the actor lacks a required role.
type ForbiddenError struct {
	Stage string
	Roles []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("approving stage %s requires one of roles %v", e.Stage, e.Roles)
}
