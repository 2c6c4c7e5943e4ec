package services

import (
	"fleet_dispatch/internal/models"
)

// ActiveStatuses are the statuses counted as "on the road".
var ActiveStatuses = []string{models.StatusDispatched, models.StatusInTransit}

// allowedTransitions is the status graph consulted before any
// status-bearing update. Maintenance is reachable from every working
// state; the only way out of maintenance is back to idle.
var allowedTransitions = map[string][]string{
	models.StatusIdle:        {models.StatusDispatched, models.StatusMaintenance},
	models.StatusDispatched:  {models.StatusInTransit, models.StatusIdle, models.StatusMaintenance},
	models.StatusInTransit:   {models.StatusReturning, models.StatusMaintenance},
	models.StatusReturning:   {models.StatusIdle, models.StatusMaintenance},
	models.StatusMaintenance: {models.StatusIdle},
}

// CanTransition reports whether from -> to is an allowed status change.
// Writing the current status back is always allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s is a known vehicle status.
func IsValidStatus(s string) bool {
	switch s {
	case models.StatusIdle, models.StatusDispatched, models.StatusInTransit,
		models.StatusReturning, models.StatusMaintenance:
		return true
	}
	return false
}

// IsValidType reports whether t is a known vehicle type.
func IsValidType(t string) bool {
	return t == models.TypeTwoWheeler || t == models.TypeFourWheeler
}
