package engine

import (
	"errors"
	"fmt"
)

// Kind is a stable error code callers can branch on. Transport layers map
// kinds to wire codes; the engine itself is presentation-agnostic.
type Kind string

const (
	KindTaskNotFound         Kind = "TASK_NOT_FOUND"
	KindTaskNotOpen          Kind = "TASK_NOT_OPEN"
	KindTaskAlreadyPublished Kind = "TASK_ALREADY_PUBLISHED"
	KindTaskHasNoCriteria    Kind = "TASK_HAS_NO_CRITERIA"
	KindMissionNotFound      Kind = "MISSION_NOT_FOUND"
	KindDuplicateClaim       Kind = "DUPLICATE_CLAIM"
	KindMaxCompletions       Kind = "MAX_COMPLETIONS_REACHED"
	KindMissingProof         Kind = "MISSING_PROOF"
	KindProofCountMismatch   Kind = "PROOF_COUNT_MISMATCH"
	KindProofInvalid         Kind = "PROOF_INVALID"
	KindFeedbackTooShort     Kind = "FEEDBACK_TOO_SHORT"
	KindUnauthorizedReviewer Kind = "UNAUTHORIZED_REVIEWER"
	KindReviewerScoreTooLow  Kind = "REVIEWER_SCORE_TOO_LOW"
	KindReviewerCapacity     Kind = "REVIEWER_CAPACITY"
	KindClaimNotFound        Kind = "CLAIM_NOT_FOUND"
	KindClaimNotUnderReview  Kind = "CLAIM_NOT_UNDER_REVIEW"
	KindClaimAlreadyTaken    Kind = "CLAIM_ALREADY_TAKEN"
	KindClaimNotRevisable    Kind = "CLAIM_NOT_REVISABLE"
	KindNotClaimOwner        Kind = "NOT_CLAIM_OWNER"
	KindMaxRevisions         Kind = "MAX_REVISIONS_REACHED"
	KindMemberNotFound       Kind = "MEMBER_NOT_FOUND"
	KindMemberExists         Kind = "MEMBER_EXISTS"
	KindConfigKeyNotFound    Kind = "CONFIG_KEY_NOT_FOUND"
	KindInvalidInput         Kind = "INVALID_INPUT"
	KindInvalidRole          Kind = "INVALID_ROLE"
)

// Error is a typed business error. Infrastructure failures (tx abort, ledger
// write failure) are never wrapped in one; they propagate raw so callers roll
// back and surface a server error.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, or "" for plain errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsConflict reports whether the error is a race-lost or capacity conflict
// (the 409 class): the caller should re-read state before retrying. The
// engine never retries internally.
func IsConflict(err error) bool {
	switch KindOf(err) {
	case KindClaimAlreadyTaken, KindReviewerCapacity, KindTaskAlreadyPublished,
		KindDuplicateClaim, KindMaxCompletions, KindMemberExists:
		return true
	}
	return false
}

// IsNotFound reports the 404 class.
func IsNotFound(err error) bool {
	switch KindOf(err) {
	case KindTaskNotFound, KindClaimNotFound, KindMemberNotFound,
		KindMissionNotFound, KindConfigKeyNotFound:
		return true
	}
	return false
}
