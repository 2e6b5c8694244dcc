package permits

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/shardstore/shard/api"
)

func TestAcquireFastPath(t *testing.T) {
	p := New("test", 1)
	permit, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.ActiveCount())

	permit.Release()
	require.EqualValues(t, 0, p.ActiveCount())
	permit.Release() // idempotent
	require.EqualValues(t, 0, p.ActiveCount())
}

func TestBlockNewAndDrainWaitsForActive(t *testing.T) {
	p := New("test", 1)
	permit, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	drainedCh := make(chan struct{})
	releaseCh := make(chan func())
	go func() {
		release, err := p.BlockNewAndDrain(context.Background(), func() error {
			close(drainedCh)
			return nil
		})
		require.NoError(t, err)
		releaseCh <- release
	}()

	select {
	case <-drainedCh:
		t.Fatal("drained fired before active permit released")
	case <-time.After(20 * time.Millisecond):
	}

	permit.Release()

	select {
	case <-drainedCh:
	case <-time.After(time.Second):
		t.Fatal("drain never fired")
	}
	release := <-releaseCh
	release()
}

func TestAcquireQueuedDuringBlock(t *testing.T) {
	p := New("test", 1)
	release, err := p.BlockNewAndDrain(context.Background(), nil)
	require.NoError(t, err)

	resultCh := make(chan error, 1)
	go func() {
		permit, err := p.Acquire(context.Background(), time.Second)
		if err == nil {
			permit.Release()
		}
		resultCh <- err
	}()

	select {
	case <-resultCh:
		t.Fatal("acquire should not complete while blocked")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued acquire never completed")
	}
}

func TestAcquireTimeout(t *testing.T) {
	p := New("test", 1)
	_, err := p.BlockNewAndDrain(context.Background(), nil)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, api.ErrPermitTimeout)
}

func TestAcquireReplicaPermitTermTooOld(t *testing.T) {
	p := New("test", 5)
	_, err := p.AcquireReplicaPermit(context.Background(), 3, 0, 0, func(context.Context, api.PrimaryTerm, api.SeqNo) error {
		return nil
	})
	require.ErrorIs(t, err, api.ErrTermTooOld)
}

func TestAcquireReplicaPermitAdvancesTerm(t *testing.T) {
	p := New("test", 1)

	var advanced api.PrimaryTerm
	permit, err := p.AcquireReplicaPermit(context.Background(), 2, 10, 0, func(ctx context.Context, newTerm api.PrimaryTerm, newGCP api.SeqNo) error {
		advanced = newTerm
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, advanced)
	require.EqualValues(t, 2, permit.Term())
	require.EqualValues(t, 2, p.CurrentTerm())
	permit.Release()
}

func TestAcquireReplicaPermitFastPathSameTerm(t *testing.T) {
	p := New("test", 3)
	permit, err := p.AcquireReplicaPermit(context.Background(), 3, 0, 0, func(context.Context, api.PrimaryTerm, api.SeqNo) error {
		t.Fatal("onAdvance should not be called for a matching term")
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, permit.Term())
	permit.Release()
}

func TestCloseFailsQueuedWaiters(t *testing.T) {
	p := New("test", 1)
	release, err := p.BlockNewAndDrain(context.Background(), nil)
	require.NoError(t, err)
	_ = release

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.Acquire(context.Background(), time.Second)
		require.ErrorIs(t, err, api.ErrShardClosed)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()
	wg.Wait()

	_, err = p.Acquire(context.Background(), 0)
	require.ErrorIs(t, err, api.ErrShardClosed)
}
