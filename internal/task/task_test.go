package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tk := New("t-1", "u-1", "write a report")

	assert.Equal(t, "t-1", tk.ID)
	assert.Equal(t, "u-1", tk.UserID)
	assert.Equal(t, "write a report", tk.Prompt)
	assert.Equal(t, StateIdle, tk.State)
	assert.Nil(t, tk.Plan)
	assert.Nil(t, tk.Result)
	assert.Nil(t, tk.CompletedAt)
	assert.False(t, tk.CreatedAt.IsZero())
	assert.Equal(t, tk.CreatedAt, tk.UpdatedAt)
}

func TestTransitionTable(t *testing.T) {
	states := []State{
		StateIdle, StatePlanning, StateExecuting, StateWaitingUser,
		StateCompleted, StateFailed, StateCancelled,
	}

	allowed := map[State][]State{
		StateIdle:        {StatePlanning},
		StatePlanning:    {StateExecuting, StateFailed},
		StateExecuting:   {StateWaitingUser, StateCompleted, StateFailed, StateCancelled},
		StateWaitingUser: {StateExecuting, StateCancelled},
		StateCompleted:   {},
		StateFailed:      {},
		StateCancelled:   {},
	}

	isAllowed := func(from, to State) bool {
		for _, s := range allowed[from] {
			if s == to {
				return true
			}
		}
		return false
	}

	for _, from := range states {
		for _, to := range states {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				tk := New("t-1", "u-1", "prompt")
				tk.State = from

				err := tk.Transition(to)
				if isAllowed(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, tk.State)
					return
				}

				require.Error(t, err)
				assert.Equal(t, from, tk.State, "rejected transition must not mutate state")

				var invalid *InvalidTransitionError
				require.True(t, errors.As(err, &invalid))
				assert.Equal(t, from, invalid.From)
				assert.Equal(t, to, invalid.To)
			})
		}
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	tk := New("t-1", "u-1", "prompt")

	require.NoError(t, tk.Transition(StatePlanning))
	assert.Nil(t, tk.CompletedAt, "non-terminal transition must not set CompletedAt")
	assert.False(t, tk.UpdatedAt.Before(tk.CreatedAt))

	require.NoError(t, tk.Transition(StateExecuting))
	require.NoError(t, tk.Transition(StateCompleted))
	require.NotNil(t, tk.CompletedAt)
	assert.Equal(t, tk.UpdatedAt, *tk.CompletedAt)
}

func TestTerminal(t *testing.T) {
	tk := New("t-1", "u-1", "prompt")
	assert.False(t, tk.Terminal())

	require.NoError(t, tk.Transition(StatePlanning))
	require.NoError(t, tk.Transition(StateFailed))
	assert.True(t, tk.Terminal())

	err := tk.Transition(StateExecuting)
	require.Error(t, err, "terminal states allow no outgoing transitions")
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StateCompleted))
	assert.True(t, IsTerminal(StateFailed))
	assert.True(t, IsTerminal(StateCancelled))
	assert.False(t, IsTerminal(StateIdle))
	assert.False(t, IsTerminal(StatePlanning))
	assert.False(t, IsTerminal(StateExecuting))
	assert.False(t, IsTerminal(StateWaitingUser))
}

func TestValidState(t *testing.T) {
	assert.True(t, ValidState(StateIdle))
	assert.True(t, ValidState(StateCancelled))
	assert.False(t, ValidState(State("paused")))
	assert.False(t, ValidState(State("")))
}

func TestInvalidTransitionErrorMessage(t *testing.T) {
	err := &InvalidTransitionError{From: StateCompleted, To: StateExecuting}
	assert.Equal(t, "invalid task transition: completed -> executing", err.Error())
}
