package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techulus/cloud-control/domain"
)

func enqueueItem(t *testing.T, repo WorkQueueRepository, serverID uuid.UUID, payload domain.WorkPayload) *domain.WorkItem {
	t.Helper()

	item, err := domain.NewWorkItem(serverID, payload)
	require.NoError(t, err)
	created, err := repo.Create(item)
	require.NoError(t, err)
	return created
}

func TestClaimPendingReturnsOnlyOwnBatch(t *testing.T) {
	database := newTestDB(t)
	repo := NewWorkQueueRepository(database)
	serverA := seedServer(t, database, "server-a", 1)
	serverB := seedServer(t, database, "server-b", 2)

	enqueueItem(t, repo, serverA.ID, &domain.CleanupVolumesPayload{ServiceID: "svc"})
	enqueueItem(t, repo, serverA.ID, &domain.SyncCaddyPayload{})
	enqueueItem(t, repo, serverB.ID, &domain.SyncCaddyPayload{})

	items, err := repo.ClaimPending(serverA.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, domain.WorkItemStatusProcessing, item.Status)
		assert.NotNil(t, item.StartedAt)
	}

	// The batch was consumed; a second claim gets nothing.
	items, err = repo.ClaimPending(serverA.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	// The other server's item is untouched.
	items, err = repo.ClaimPending(serverB.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestClaimPendingConcurrentClaimsAreDisjoint(t *testing.T) {
	database := newTestDB(t)
	repo := NewWorkQueueRepository(database)
	server := seedServer(t, database, "server-a", 1)

	for i := 0; i < 4; i++ {
		enqueueItem(t, repo, server.ID, &domain.SyncCaddyPayload{})
	}

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan int, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := repo.ClaimPending(server.ID)
			require.NoError(t, err)
			results <- len(items)
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	assert.Equal(t, 4, total, "every item claimed exactly once")
}

func TestMarkResultRequiresOwningServer(t *testing.T) {
	database := newTestDB(t)
	repo := NewWorkQueueRepository(database)
	owner := seedServer(t, database, "owner", 1)
	other := seedServer(t, database, "other", 2)

	item := enqueueItem(t, repo, owner.ID, &domain.SyncCaddyPayload{})
	_, err := repo.ClaimPending(owner.ID)
	require.NoError(t, err)

	_, err = repo.MarkResult(item.ID, other.ID, domain.WorkItemStatusCompleted, "")
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := repo.MarkResult(item.ID, owner.ID, domain.WorkItemStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusCompleted, updated.Status)
}

func TestStuckItemRetryAndFail(t *testing.T) {
	database := newTestDB(t)
	repo := NewWorkQueueRepository(database)
	server := seedServer(t, database, "server-a", 1)

	item := enqueueItem(t, repo, server.ID, &domain.SyncCaddyPayload{})
	claimed, err := repo.ClaimPending(server.ID)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Nothing is stuck yet.
	stuck, err := repo.ListStuck(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stuck)

	// With a cutoff in the future the item counts as stuck.
	cutoff := time.Now().Add(time.Minute)
	stuck, err = repo.ListStuck(cutoff)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	retried, err := repo.RetryStuck(item.ID, cutoff)
	require.NoError(t, err)
	assert.True(t, retried)

	requeued, err := repo.FindByID(item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusPending, requeued.Status)
	assert.Equal(t, 1, requeued.Attempts)
	assert.Nil(t, requeued.StartedAt)

	// Retrying again is a no-op: the item is pending, not processing.
	retried, err = repo.RetryStuck(item.ID, cutoff)
	require.NoError(t, err)
	assert.False(t, retried)

	// Claim again and fail it terminally.
	_, err = repo.ClaimPending(server.ID)
	require.NoError(t, err)
	cutoff = time.Now().Add(time.Minute)
	failed, err := repo.FailStuck(item.ID, cutoff, "work item timed out")
	require.NoError(t, err)
	assert.True(t, failed)

	final, err := repo.FindByID(item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, "work item timed out", final.Error)
}
