package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatus_AcceptedEvents(t *testing.T) {
	tests := []struct {
		from Status
		ev   Event
		want Status
	}{
		{StatusQueued, EventStartPlanning, StatusPlanning},
		{StatusQueued, EventFail, StatusFailed},
		{StatusQueued, EventCancel, StatusCancelled},
		{StatusPlanning, EventPlanSucceeded, StatusCoding},
		{StatusPlanning, EventPlanFailed, StatusFailed},
		{StatusPlanning, EventCancel, StatusCancelled},
		{StatusCoding, EventCodeSucceeded, StatusReviewing},
		{StatusCoding, EventCodeFailed, StatusFailed},
		{StatusCoding, EventCancel, StatusCancelled},
		{StatusReviewing, EventReviewApproved, StatusPROpen},
		{StatusReviewing, EventReviewRejected, StatusCoding},
		{StatusReviewing, EventReviewFailed, StatusFailed},
		{StatusReviewing, EventCancel, StatusCancelled},
		{StatusPROpen, EventPROpened, StatusCompleted},
		{StatusPROpen, EventPRFailed, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := NextStatus(tt.from, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextStatus_RejectsEverythingElse(t *testing.T) {
	accepted := map[Status]map[Event]bool{}
	for _, tt := range []struct {
		from Status
		ev   Event
	}{
		{StatusQueued, EventStartPlanning},
		{StatusQueued, EventFail},
		{StatusQueued, EventCancel},
		{StatusPlanning, EventPlanSucceeded},
		{StatusPlanning, EventPlanFailed},
		{StatusPlanning, EventCancel},
		{StatusCoding, EventCodeSucceeded},
		{StatusCoding, EventCodeFailed},
		{StatusCoding, EventCancel},
		{StatusReviewing, EventReviewApproved},
		{StatusReviewing, EventReviewRejected},
		{StatusReviewing, EventReviewFailed},
		{StatusReviewing, EventCancel},
		{StatusPROpen, EventPROpened},
		{StatusPROpen, EventPRFailed},
	} {
		if accepted[tt.from] == nil {
			accepted[tt.from] = map[Event]bool{}
		}
		accepted[tt.from][tt.ev] = true
	}

	// Every (status, event) pair outside the relation is rejected with a
	// typed error naming the offending pair.
	for _, from := range Statuses {
		for _, ev := range Events {
			if accepted[from][ev] {
				continue
			}
			_, err := NextStatus(from, ev)
			require.Error(t, err, "expected rejection for %s + %s", from, ev)

			var invalid *InvalidTransitionError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, from, invalid.From)
			assert.Equal(t, ev, invalid.Event)
		}
	}
}

func TestNextStatus_PROpenRejectsCancel(t *testing.T) {
	// Once the pull request is being opened, only the open's outcome moves
	// the job; a late cancel must be refused, not raced in.
	_, err := NextStatus(StatusPROpen, EventCancel)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusPROpen, invalid.From)
	assert.Equal(t, EventCancel, invalid.Event)
}

func TestNextStatus_TerminalStatusesAcceptNothing(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, ev := range Events {
			_, err := NextStatus(from, ev)
			assert.Error(t, err, "%s must not accept %s", from, ev)
		}
	}
}

func TestNextStatus_UnknownInputs(t *testing.T) {
	_, err := NextStatus(Status("SHIPPING"), EventStartPlanning)
	assert.Error(t, err)

	_, err = NextStatus(StatusQueued, Event("TELEPORT"))
	assert.Error(t, err)
}

func TestIsValidTransition(t *testing.T) {
	assert.True(t, IsValidTransition(StatusQueued, StatusPlanning))
	assert.True(t, IsValidTransition(StatusReviewing, StatusCoding))
	assert.True(t, IsValidTransition(StatusPROpen, StatusCompleted))
	assert.True(t, IsValidTransition(StatusCoding, StatusCancelled))

	assert.False(t, IsValidTransition(StatusQueued, StatusCoding))
	assert.False(t, IsValidTransition(StatusCompleted, StatusQueued))
	assert.False(t, IsValidTransition(StatusFailed, StatusPlanning))
	assert.False(t, IsValidTransition(StatusPlanning, StatusPlanning))
}

func TestValidTransitions(t *testing.T) {
	assert.Equal(t, []Status{StatusCancelled, StatusFailed, StatusPlanning}, ValidTransitions(StatusQueued))
	assert.Equal(t, []Status{StatusCancelled, StatusCoding, StatusFailed}, ValidTransitions(StatusPlanning))
	assert.Equal(t, []Status{StatusCancelled, StatusFailed, StatusReviewing}, ValidTransitions(StatusCoding))
	assert.Equal(t, []Status{StatusCancelled, StatusCoding, StatusFailed, StatusPROpen}, ValidTransitions(StatusReviewing))
	assert.Equal(t, []Status{StatusCompleted, StatusFailed}, ValidTransitions(StatusPROpen))

	assert.Nil(t, ValidTransitions(StatusCompleted))
	assert.Nil(t, ValidTransitions(StatusFailed))
	assert.Nil(t, ValidTransitions(StatusCancelled))
	assert.Nil(t, ValidTransitions(Status("SHIPPING")))
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal(), "%s", s)
	}
	for _, s := range []Status{StatusQueued, StatusPlanning, StatusCoding, StatusReviewing, StatusPROpen} {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range Statuses {
		assert.True(t, s.Valid(), "%s", s)
	}
	assert.False(t, Status("").Valid())
	assert.False(t, Status("queued").Valid())
}

func TestEvent_Valid(t *testing.T) {
	for _, e := range Events {
		assert.True(t, e.Valid(), "%s", e)
	}
	assert.False(t, Event("").Valid())
	assert.False(t, Event("cancel").Valid())
}
