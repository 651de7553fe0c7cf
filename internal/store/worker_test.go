package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommitsPerTask(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.Run(ctx, func(s *Session) error {
		return s.InsertPullRequest(&PullRequest{PRID: 10, HeadSHA: "aaa"})
	}))

	pr, err := st.GetPullRequest(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, "aaa", pr.HeadSHA)
}

func TestRunRollsBackOnError(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.Run(ctx, func(s *Session) error {
		if err := s.InsertPullRequest(&PullRequest{PRID: 10, HeadSHA: "aaa"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	pr, err := st.GetPullRequest(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, pr)
}

func TestRunStepsCommitsBetweenLegs(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	var seenDuringAwait *PullRequest
	err := st.RunSteps(ctx,
		Step{
			DB: func(s *Session) error {
				return s.InsertPullRequest(&PullRequest{PRID: 10, HeadSHA: "aaa"})
			},
			// The first leg committed, so an off-worker read observes the row.
			Await: func(ctx context.Context) error {
				var err error
				seenDuringAwait, err = st.GetPullRequest(ctx, 10)
				return err
			},
		},
		Step{
			DB: func(s *Session) error {
				pr, err := s.GetPullRequest(10)
				if err != nil {
					return err
				}
				pr.Status = -1
				return s.UpdatePullRequest(pr)
			},
		},
	)
	require.NoError(t, err)
	require.NotNil(t, seenDuringAwait)
	assert.Equal(t, 0, seenDuringAwait.Status)

	final, err := st.GetPullRequest(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, -1, final.Status)
}

func TestRunStepsStopsOnAwaitError(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	boom := errors.New("await failed")

	err := st.RunSteps(ctx,
		Step{
			DB: func(s *Session) error {
				return s.InsertPullRequest(&PullRequest{PRID: 10, HeadSHA: "aaa"})
			},
			Await: func(ctx context.Context) error { return boom },
		},
		Step{
			DB: func(s *Session) error {
				pr, err := s.GetPullRequest(10)
				if err != nil {
					return err
				}
				pr.Status = -1
				return s.UpdatePullRequest(pr)
			},
		},
	)
	require.ErrorIs(t, err, boom)

	// The first leg stays committed; the second never ran.
	pr, err := st.GetPullRequest(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 0, pr.Status)
}

func TestConcurrentTasksSerialize(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.Run(ctx, func(s *Session) error {
				return s.InsertPullRequest(&PullRequest{PRID: int64(100 + i), HeadSHA: fmt.Sprintf("sha%d", i)})
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "task %d", i)
	}
	prs, err := st.ListActivePullRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, prs, n)
}
