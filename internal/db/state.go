package db

import (
	"errors"
	"fmt"
)

// SiteStatus is the lifecycle state of a Site
type SiteStatus string

const (
	SiteNew               SiteStatus = "new"
	SitePendingAssignment SiteStatus = "pending_assignment"
	SitePendingSubmission SiteStatus = "pending_submission"
	SiteSubmitted         SiteStatus = "submitted"
	SiteProcessing        SiteStatus = "processing"
	SiteCompleted         SiteStatus = "completed"
	SiteFailedSubmission  SiteStatus = "failed_submission"
	SiteFailedProcessing  SiteStatus = "failed_processing"
)

// ErrIllegalTransition is returned when a status write is not in the transition table
var ErrIllegalTransition = errors.New("illegal site status transition")

var siteTransitions = map[SiteStatus][]SiteStatus{
	SiteNew: {
		SitePendingAssignment,
		SitePendingSubmission,
	},
	SitePendingAssignment: {
		SitePendingSubmission,
		SiteSubmitted,
	},
	SitePendingSubmission: {
		SiteSubmitted,
		SiteFailedSubmission,
		SitePendingAssignment,
	},
	SiteSubmitted: {
		SiteProcessing,
		SiteCompleted,
		SiteFailedProcessing,
		SiteFailedSubmission,
		SitePendingAssignment,
	},
	SiteProcessing: {
		SiteCompleted,
		SiteFailedProcessing,
		SitePendingAssignment,
	},
	SiteCompleted:        {SitePendingAssignment},
	SiteFailedSubmission: {SitePendingAssignment},
	SiteFailedProcessing: {SitePendingAssignment},
}

// Transition validates a status change. Writing the same status twice is
// not a transition and is rejected too.
func Transition(from, to SiteStatus) error {
	for _, allowed := range siteTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Valid reports whether s is a known status
func (s SiteStatus) Valid() bool {
	_, ok := siteTransitions[s]
	return ok
}

// Bound reports whether a Site in this status must reference a worker
func (s SiteStatus) Bound() bool {
	switch s {
	case SitePendingSubmission, SiteSubmitted, SiteProcessing:
		return true
	}
	return false
}

// Terminal reports whether the Site lifecycle has ended in this status
func (s SiteStatus) Terminal() bool {
	switch s {
	case SiteCompleted, SiteFailedSubmission, SiteFailedProcessing:
		return true
	}
	return false
}

// TransitionTo moves the Site to a new status after validating the change.
// The record is left untouched on error.
func (s *Site) TransitionTo(to SiteStatus) error {
	if err := Transition(s.Status, to); err != nil {
		return err
	}
	s.previousStatus = s.Status
	s.Status = to
	return nil
}

// PreviousStatus returns the status before the last TransitionTo, or "" if the
// Site has not transitioned since it was loaded.
func (s *Site) PreviousStatus() SiteStatus {
	return s.previousStatus
}
