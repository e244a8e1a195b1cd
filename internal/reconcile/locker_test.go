package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mockLock is a mock implementation of heldLock
type mockLock struct {
	refreshes  int32
	releases   int32
	refreshErr error
	ttls       chan time.Duration
}

func (m *mockLock) Key() string {
	return "lock:invoice:doc-1"
}

func (m *mockLock) Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error {
	atomic.AddInt32(&m.refreshes, 1)
	select {
	case m.ttls <- ttl:
	default:
	}
	return m.refreshErr
}

func (m *mockLock) Release(ctx context.Context) error {
	atomic.AddInt32(&m.releases, 1)
	return nil
}

var _ = Describe("KeyedMutex", func() {
	var (
		ctx    context.Context
		locker *KeyedMutex
	)

	BeforeEach(func() {
		ctx = context.Background()
		locker = NewKeyedMutex()
	})

	It("should serialise work on one document", func() {
		var (
			wg      sync.WaitGroup
			holders int32
			maxSeen int32
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				unlock, err := locker.Lock(ctx, "doc-1")
				Expect(err).NotTo(HaveOccurred())
				n := atomic.AddInt32(&holders, 1)
				for {
					seen := atomic.LoadInt32(&maxSeen)
					if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&holders, -1)
				unlock()
			}()
		}
		wg.Wait()
		Expect(maxSeen).To(Equal(int32(1)))
	})

	It("should not block other documents", func() {
		unlock, err := locker.Lock(ctx, "doc-1")
		Expect(err).NotTo(HaveOccurred())
		defer unlock()

		other, err := locker.Lock(ctx, "doc-2")
		Expect(err).NotTo(HaveOccurred())
		other()
	})

	It("should give up when the context ends", func() {
		unlock, err := locker.Lock(ctx, "doc-1")
		Expect(err).NotTo(HaveOccurred())
		defer unlock()

		short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(short, "doc-1")
		Expect(err).To(MatchError(ErrLocked))
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should forget released documents", func() {
		unlock, err := locker.Lock(ctx, "doc-1")
		Expect(err).NotTo(HaveOccurred())
		unlock()
		unlock()
		Expect(locker.locks).To(BeEmpty())
	})
})

var _ = Describe("keepAlive", func() {
	var lock *mockLock

	BeforeEach(func() {
		lock = &mockLock{ttls: make(chan time.Duration, 1)}
	})

	It("should refresh the lock for its full TTL while held", func() {
		release := keepAlive(context.Background(), lock, 40*time.Millisecond)
		Eventually(lock.ttls).Should(Receive(Equal(40 * time.Millisecond)))
		Eventually(func() int32 { return atomic.LoadInt32(&lock.refreshes) }).Should(BeNumerically(">=", 3))
		release()
		Expect(atomic.LoadInt32(&lock.releases)).To(Equal(int32(1)))
	})

	It("should stop refreshing once released", func() {
		release := keepAlive(context.Background(), lock, 20*time.Millisecond)
		release()
		release()
		after := atomic.LoadInt32(&lock.refreshes)
		Consistently(func() int32 { return atomic.LoadInt32(&lock.refreshes) }, 60*time.Millisecond).Should(Equal(after))
		Expect(atomic.LoadInt32(&lock.releases)).To(Equal(int32(1)))
	})

	It("should give up refreshing a lock it lost", func() {
		lock.refreshErr = redislock.ErrNotObtained
		release := keepAlive(context.Background(), lock, 20*time.Millisecond)
		defer release()
		Eventually(func() int32 { return atomic.LoadInt32(&lock.refreshes) }).Should(Equal(int32(1)))
		Consistently(func() int32 { return atomic.LoadInt32(&lock.refreshes) }, 60*time.Millisecond).Should(Equal(int32(1)))
	})
})
