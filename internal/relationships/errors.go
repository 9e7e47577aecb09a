package relationships

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the friend request no longer exists.
	ErrNotFound = errors.New("friend request not found")
	// ErrPartialWrite indicates one half of a friendship edge was written and the other was not.
	ErrPartialWrite = errors.New("friendship partially written")

	// errEdgeUnwritten marks a dual write where neither half landed but both
	// intents are journaled.
	errEdgeUnwritten = errors.New("friendship edge not written")

	// errIntentNotRecorded marks a dual write abandoned before any friend set
	// changed because its journal entries could not be stored.
	errIntentNotRecorded = errors.New("friendship write intent not recorded")
)

// Step reports the result of one directed friend-set write.
type Step struct {
	UserID   string
	FriendID string
	Err      error
}

// OK reports whether the write succeeded.
func (s Step) OK() bool { return s.Err == nil }

// PartialWriteError is returned by AcceptRequest and RemoveFriend when exactly
// one of the two friend-set writes failed after retries. The failed half keeps
// the journal entry recorded before the write, and the pair is offered to the
// reconciler once the pair lock is released. If the queue is full the next
// sweep finds the entry.
type PartialWriteError struct {
	Op    string
	Steps [2]Step
}

func (e *PartialWriteError) Error() string {
	var failed []string
	for _, step := range e.Steps {
		if !step.OK() {
			failed = append(failed, fmt.Sprintf("%s->%s: %v", step.UserID, step.FriendID, step.Err))
		}
	}
	return fmt.Sprintf("%s friendship: partial write (%s)", e.Op, strings.Join(failed, "; "))
}

// Is matches ErrPartialWrite.
func (e *PartialWriteError) Is(target error) bool {
	return target == ErrPartialWrite
}

// Unwrap returns the error of the failed step.
func (e *PartialWriteError) Unwrap() error {
	for _, step := range e.Steps {
		if step.Err != nil {
			return step.Err
		}
	}
	return nil
}

// Failed returns the steps that did not complete.
func (e *PartialWriteError) Failed() []Step {
	var out []Step
	for _, step := range e.Steps {
		if !step.OK() {
			out = append(out, step)
		}
	}
	return out
}
