package agentrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingApprovalsSubmitResolvesDecide(t *testing.T) {
	p := NewPendingApprovals()
	req := &ApprovalRequest{ID: "appr-1", Call: ToolInvocation{Name: ToolExecuteSQL}}

	type result struct {
		approved bool
		err      error
	}
	done := make(chan result, 1)
	go func() {
		approved, err := p.Decide(context.Background(), req)
		done <- result{approved, err}
	}()

	// Wait for the decider to register itself.
	require.Eventually(t, func() bool {
		return len(p.Pending()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"appr-1"}, p.Pending())

	require.True(t, p.Submit("appr-1", true))

	res := <-done
	require.NoError(t, res.err)
	require.True(t, res.approved)
	require.Empty(t, p.Pending())
}

func TestPendingApprovalsSubmitUnknownID(t *testing.T) {
	p := NewPendingApprovals()
	require.False(t, p.Submit("nobody-waiting", true))
}

func TestPendingApprovalsContextCancel(t *testing.T) {
	p := NewPendingApprovals()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := p.Decide(ctx, &ApprovalRequest{ID: "appr-1"})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(p.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Empty(t, p.Pending())
}

func TestPendingApprovalsDuplicateID(t *testing.T) {
	p := NewPendingApprovals()

	go func() {
		_, _ = p.Decide(context.Background(), &ApprovalRequest{ID: "appr-1"})
	}()
	require.Eventually(t, func() bool {
		return len(p.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := p.Decide(context.Background(), &ApprovalRequest{ID: "appr-1"})
	require.Error(t, err)

	p.Submit("appr-1", false)
}

func TestDenyAll(t *testing.T) {
	approved, err := DenyAll().Decide(context.Background(), &ApprovalRequest{ID: "x"})
	require.NoError(t, err)
	require.False(t, approved)
}
