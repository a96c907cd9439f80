// Package pipeline defines the error contracts shared by every queue
// consumer in PIXL. Consumers branch on these types to decide between
// requeueing a delivery, moving it to the secondary archive queue, or
// dropping it and leaving retry to the orchestrator's stability loop.
package pipeline

import "errors"

// ErrAlreadyExported is returned by the ledger when an export timestamp is
// written twice, and by uploaders guarding against double delivery.
var ErrAlreadyExported = errors.New("image already exported")

// RequeueError marks a transient condition: the message is returned to its
// queue for later processing (e.g. rate-limit denial, busy DICOM node).
type RequeueError struct{ Reason string }

func (e *RequeueError) Error() string { return "requeue: " + e.Reason }

// NotInPrimaryError signals that the primary archive has no answer for the
// study. The consumer republishes the work item onto the secondary queue.
type NotInPrimaryError struct{ Identifier string }

func (e *NotInPrimaryError) Error() string {
	return "study not in primary archive: " + e.Identifier
}

// SkipInstanceError drops a single instance silently, e.g. an out-of-scope
// modality. The rest of the study continues.
type SkipInstanceError struct{ Reason string }

func (e *SkipInstanceError) Error() string { return "skip instance: " + e.Reason }

// DiscardInstanceError drops a single instance and logs it at info level.
type DiscardInstanceError struct{ Reason string }

func (e *DiscardInstanceError) Error() string { return "discard instance: " + e.Reason }

// DiscardStudyError drops every instance of the study. The study is never
// marked exported and never retried from within the consumer.
type DiscardStudyError struct{ Reason string }

func (e *DiscardStudyError) Error() string { return "discard study: " + e.Reason }
