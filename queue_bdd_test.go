package filequeue_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/VsevolodSauta/filequeue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const testAction = "ocr"

func testConfig() *filequeue.Config {
	cfg := filequeue.DefaultConfig()
	cfg.Action = testAction
	cfg.MinSleep = 100 * time.Millisecond
	cfg.MaxSleep = 200 * time.Millisecond
	cfg.SleepSteps = 2
	cfg.SettingsRefresh = 0
	return cfg
}

// flakyStore fails selected calls on demand.
type flakyStore struct {
	*filequeue.InMemoryStore
	failNotify atomic.Bool
	failFetch  atomic.Bool
}

var errConnectionReset = errors.New("connection reset by peer")

func (s *flakyStore) NotifyComplete(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool) error {
	if s.failNotify.Load() {
		return errConnectionReset
	}
	return s.InMemoryStore.NotifyComplete(ctx, id, action, workflowID, allowOverride)
}

func (s *flakyStore) FetchNextBatch(ctx context.Context, filter filequeue.BatchFilter, maxCount int) ([]*filequeue.Record, error) {
	if s.failFetch.Load() {
		return nil, errConnectionReset
	}
	return s.InMemoryStore.FetchNextBatch(ctx, filter, maxCount)
}

// discardingStore runs onFetch between claiming a batch and returning it.
type discardingStore struct {
	*filequeue.InMemoryStore
	onFetch func()
}

func (s *discardingStore) FetchNextBatch(ctx context.Context, filter filequeue.BatchFilter, maxCount int) ([]*filequeue.Record, error) {
	batch, err := s.InMemoryStore.FetchNextBatch(ctx, filter, maxCount)
	if s.onFetch != nil {
		s.onFetch()
	}
	return batch, err
}

type transitionLog struct {
	mu     sync.Mutex
	events []string
}

func (l *transitionLog) Notify(rec filequeue.Record, previous filequeue.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf("%d:%s->%s", rec.ID, previous, rec.Status))
}

func (l *transitionLog) For(id int64) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := fmt.Sprintf("%d:", id)
	var out []string
	for _, ev := range l.events {
		if len(ev) > len(prefix) && ev[:len(prefix)] == prefix {
			out = append(out, ev)
		}
	}
	return out
}

var _ = Describe("TaskQueue", func() {
	var (
		store *filequeue.InMemoryStore
		queue *filequeue.TaskQueue
		cfg   *filequeue.Config
		ctx   context.Context
	)

	seedFiles := func(n int) {
		for i := 1; i <= n; i++ {
			Expect(store.AddFile(ctx, filequeue.File{
				ID:   int64(i),
				Name: fmt.Sprintf("file-%d.pdf", i),
			})).To(Succeed())
		}
	}

	pop := func() int64 {
		rec, err := queue.Pop(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec).NotTo(BeNil())
		Expect(rec.Status).To(Equal(filequeue.StatusCurrent))
		return rec.ID
	}

	storeStatus := func(id int64) filequeue.Status {
		rec, err := store.FetchByID(ctx, testAction, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec).NotTo(BeNil())
		return rec.Status
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = filequeue.NewInMemoryStore()
		cfg = testConfig()
	})

	JustBeforeEach(func() {
		queue = filequeue.NewTaskQueue(store, cfg, nil, testLogger())
	})

	AfterEach(func() {
		if queue != nil {
			_ = queue.Close()
		}
		_ = store.Close()
	})

	Describe("Pop", func() {
		It("should load a batch and hand out records in priority order", func() {
			Expect(store.AddFile(ctx, filequeue.File{ID: 1, Name: "low.pdf", Priority: filequeue.PriorityLow})).To(Succeed())
			Expect(store.AddFile(ctx, filequeue.File{ID: 2, Name: "high.pdf", Priority: filequeue.PriorityHigh})).To(Succeed())

			Expect(pop()).To(Equal(int64(2)))
			Expect(pop()).To(Equal(int64(1)))
			Expect(storeStatus(1)).To(Equal(filequeue.StatusCurrent))
		})

		It("should return nil without waiting when nothing is available", func() {
			rec, err := queue.Pop(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).To(BeNil())
		})

		It("should hand out pushed records", func() {
			Expect(queue.Push(&filequeue.Record{ID: 5, Name: "manual.pdf"})).To(BeTrue())

			rec, err := queue.Pop(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.ID).To(Equal(int64(5)))
			Expect(rec.Action).To(Equal(testAction))
			Expect(rec.FallbackStatus).To(Equal(filequeue.StatusNone))
		})

		It("should reject pushing an id that is already scheduled", func() {
			Expect(queue.Push(&filequeue.Record{ID: 5})).To(BeTrue())
			Expect(queue.Push(&filequeue.Record{ID: 5})).To(BeFalse())
			Expect(queue.PendingIDs()).To(Equal([]int64{5}))
		})

		It("should surface fetch failures as backing store unavailable", func() {
			flaky := &flakyStore{InMemoryStore: store}
			flaky.failFetch.Store(true)
			queue = filequeue.NewTaskQueue(flaky, cfg, nil, testLogger())

			_, err := queue.Pop(ctx, false)
			Expect(filequeue.IsBackingStoreUnavailable(err)).To(BeTrue())
			Expect(errors.Is(err, errConnectionReset)).To(BeTrue())
		})

		It("should wake up when a file arrives while waiting", func() {
			done := make(chan int64, 1)
			go func() {
				defer GinkgoRecover()
				rec, err := queue.Pop(ctx, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(rec).NotTo(BeNil())
				done <- rec.ID
			}()

			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())
			Expect(store.AddFile(ctx, filequeue.File{ID: 9, Name: "late.pdf"})).To(Succeed())
			Eventually(done, 2*time.Second).Should(Receive(Equal(int64(9))))
		})

		It("should return once input is closed and everything drained", func() {
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				rec, err := queue.Pop(ctx, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(rec).To(BeNil())
				close(done)
			}()

			queue.CloseInput()
			Eventually(done, time.Second).Should(BeClosed())
			Expect(queue.Exhausted()).To(BeTrue())
		})

		It("should return when stopped", func() {
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				rec, err := queue.Pop(ctx, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(rec).To(BeNil())
				close(done)
			}()

			queue.Stop()
			Eventually(done, time.Second).Should(BeClosed())
			Eventually(queue.StopSignal()).Should(BeClosed())
		})

		It("should return the context error when cancelled while waiting", func() {
			cctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
			defer cancel()

			_, err := queue.Pop(cctx, true)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("Concurrency limit", func() {
		BeforeEach(func() {
			cfg.MaxCurrent = 2
		})

		It("should block Pop while the limit is reached and keep the record queued", func() {
			seedFiles(3)
			pop()
			pop()

			tctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
			defer cancel()
			rec, err := queue.Pop(tctx, false)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(rec).To(BeNil())
			Expect(queue.PendingIDs()).To(Equal([]int64{3}))

			Expect(queue.Complete(ctx, 1)).To(Succeed())
			Expect(pop()).To(Equal(int64(3)))
			Expect(queue.Stats().Current).To(Equal(2))
		})

		It("should release a blocked Pop on discard", func() {
			seedFiles(3)
			pop()
			pop()

			done := make(chan *filequeue.Record, 1)
			go func() {
				defer GinkgoRecover()
				rec, err := queue.Pop(ctx, true)
				Expect(err).NotTo(HaveOccurred())
				done <- rec
			}()

			Consistently(done, 100*time.Millisecond).ShouldNot(Receive())
			queue.Discard(ctx)
			Eventually(done, time.Second).Should(Receive(BeNil()))
			Expect(storeStatus(3)).To(Equal(filequeue.StatusNone))
		})
	})

	Describe("Delay", func() {
		It("should run the other pending record before the delayed one", func() {
			seedFiles(2)
			Expect(pop()).To(Equal(int64(1)))
			Expect(queue.Delay(ctx, 1)).To(Succeed())

			rec, ok := queue.Lookup(1)
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal(filequeue.StatusPending))

			Expect(pop()).To(Equal(int64(2)))
			Expect(pop()).To(Equal(int64(1)))
		})

		It("should requeue delayed records on request", func() {
			seedFiles(3)
			Expect(pop()).To(Equal(int64(1)))
			Expect(queue.Delay(ctx, 1)).To(Succeed())
			Expect(pop()).To(Equal(int64(2)))
			Expect(pop()).To(Equal(int64(3)))

			Expect(queue.RequeueDelayed()).To(Equal(1))
			Expect(queue.RequeueDelayed()).To(Equal(0))
			Expect(pop()).To(Equal(int64(1)))
		})

		It("should release the concurrency slot", func() {
			cfg.MaxCurrent = 1
			queue = filequeue.NewTaskQueue(store, cfg, nil, testLogger())
			seedFiles(2)

			Expect(pop()).To(Equal(int64(1)))
			Expect(queue.Delay(ctx, 1)).To(Succeed())
			Expect(pop()).To(Equal(int64(2)))
			Expect(queue.Stats().Current).To(Equal(1))
		})

		It("should let newly loaded files run before the delayed one only once", func() {
			cfg.BatchSize = 2
			queue = filequeue.NewTaskQueue(store, cfg, nil, testLogger())
			seedFiles(4)

			Expect(pop()).To(Equal(int64(1)))
			Expect(pop()).To(Equal(int64(2)))
			Expect(queue.Delay(ctx, 2)).To(Succeed())
			Expect(queue.Complete(ctx, 1)).To(Succeed())

			Expect(pop()).To(Equal(int64(3)))
			Expect(pop()).To(Equal(int64(2)))
			Expect(pop()).To(Equal(int64(4)))
		})

		Context("when records are pushed after a delay", func() {
			push := func(ids ...int64) {
				for _, id := range ids {
					Expect(queue.Push(&filequeue.Record{ID: id, Name: fmt.Sprintf("file-%d.pdf", id)})).To(BeTrue())
				}
			}

			drainWithPeek := func(n int) []int64 {
				var order []int64
				for i := 0; i < n; i++ {
					next, ok := queue.PeekNext(0)
					Expect(ok).To(BeTrue())
					id := pop()
					Expect(id).To(Equal(next), "PeekNext disagreed with Pop at step %d", i)
					order = append(order, id)
				}
				return order
			}

			It("should run the delayed record before records pushed after it", func() {
				push(1, 2)
				Expect(pop()).To(Equal(int64(1)))
				Expect(queue.Delay(ctx, 1)).To(Succeed())
				push(3)

				Expect(drainWithPeek(3)).To(Equal([]int64{2, 1, 3}))
			})

			It("should keep each delayed record behind what was pending at its own delay", func() {
				push(1, 2, 3)
				Expect(pop()).To(Equal(int64(1)))
				Expect(pop()).To(Equal(int64(2)))
				Expect(queue.Delay(ctx, 1)).To(Succeed())
				push(4)
				Expect(queue.Delay(ctx, 2)).To(Succeed())

				Expect(drainWithPeek(4)).To(Equal([]int64{3, 1, 4, 2}))
			})
		})

		It("should treat delaying a pending record as a no-op", func() {
			seedFiles(2)
			pop()
			Expect(queue.Delay(ctx, 2)).To(Succeed())
			Expect(queue.PendingIDs()).To(Equal([]int64{2}))
		})

		It("should reject delaying a finished record", func() {
			seedFiles(1)
			pop()
			Expect(queue.Complete(ctx, 1)).To(Succeed())

			err := queue.Delay(ctx, 1)
			Expect(filequeue.IsInvalidStateTransition(err)).To(BeTrue())
		})

		It("should report unknown ids", func() {
			Expect(queue.Delay(ctx, 77)).To(MatchError(filequeue.ErrNotFound))
		})
	})

	Describe("Status transitions", func() {
		BeforeEach(func() {
			seedFiles(3)
		})

		It("should complete, fail and skip current records", func() {
			pop()
			pop()
			pop()

			Expect(queue.Complete(ctx, 1)).To(Succeed())
			Expect(queue.Fail(ctx, 2, errors.New("unreadable page"))).To(Succeed())
			Expect(queue.Skip(ctx, 3)).To(Succeed())

			Expect(storeStatus(1)).To(Equal(filequeue.StatusComplete))
			Expect(storeStatus(2)).To(Equal(filequeue.StatusFailed))
			Expect(storeStatus(3)).To(Equal(filequeue.StatusSkipped))

			failed, ok := queue.Lookup(2)
			Expect(ok).To(BeTrue())
			Expect(failed.Status).To(Equal(filequeue.StatusFailed))
			Expect(failed.LastError).To(Equal("unreadable page"))

			stored, err := store.FetchByID(ctx, testAction, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.LastError).To(Equal("unreadable page"))

			Expect(queue.FinishedIDs()).To(Equal([]int64{1, 2, 3}))
			Expect(queue.Stats().Current).To(Equal(0))
		})

		It("should reject finishing a record that is not current", func() {
			pop()
			Expect(queue.PendingIDs()).To(Equal([]int64{2, 3}))

			err := queue.Complete(ctx, 2)
			Expect(filequeue.IsInvalidStateTransition(err)).To(BeTrue())

			var transition *filequeue.InvalidStateTransitionError
			Expect(errors.As(err, &transition)).To(BeTrue())
			Expect(transition.ID).To(Equal(int64(2)))
			Expect(transition.From).To(Equal(filequeue.StatusPending))
			Expect(transition.To).To(Equal(filequeue.StatusComplete))
		})

		It("should reject finishing a record twice", func() {
			pop()
			Expect(queue.Complete(ctx, 1)).To(Succeed())
			Expect(filequeue.IsInvalidStateTransition(queue.Complete(ctx, 1))).To(BeTrue())
		})

		It("should reject going back from current to pending through SetStatus", func() {
			pop()
			err := queue.SetStatus(ctx, 1, filequeue.StatusPending, nil)
			Expect(filequeue.IsInvalidStateTransition(err)).To(BeTrue())
		})

		It("should report unknown ids", func() {
			Expect(queue.Complete(ctx, 404)).To(MatchError(filequeue.ErrNotFound))
		})

		It("should restore the fallback status when a current record is set to none", func() {
			pop()
			Expect(queue.SetStatus(ctx, 1, filequeue.StatusNone, nil)).To(Succeed())

			_, ok := queue.Lookup(1)
			Expect(ok).To(BeFalse())
			Expect(storeStatus(1)).To(Equal(filequeue.StatusNone))
		})

		It("should remove a pending record when it is set to none", func() {
			pop()
			Expect(queue.SetStatus(ctx, 2, filequeue.StatusNone, nil)).To(Succeed())
			Expect(queue.PendingIDs()).To(Equal([]int64{3}))
		})

		It("should check out a pending record when it is set to current", func() {
			pop()
			Expect(queue.SetStatus(ctx, 3, filequeue.StatusCurrent, nil)).To(Succeed())

			rec, ok := queue.Lookup(3)
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal(filequeue.StatusCurrent))
			Expect(queue.PendingIDs()).To(Equal([]int64{2}))
		})

		It("should keep the record current when the backing store rejects the update", func() {
			flaky := &flakyStore{InMemoryStore: store}
			queue = filequeue.NewTaskQueue(flaky, cfg, nil, testLogger())
			pop()

			flaky.failNotify.Store(true)
			err := queue.Complete(ctx, 1)
			Expect(filequeue.IsBackingStoreUnavailable(err)).To(BeTrue())

			rec, ok := queue.Lookup(1)
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal(filequeue.StatusCurrent))
			Expect(queue.Stats().Current).To(Equal(1))
			Expect(queue.FinishedIDs()).To(BeEmpty())

			flaky.failNotify.Store(false)
			Expect(queue.Complete(ctx, 1)).To(Succeed())
			Expect(storeStatus(1)).To(Equal(filequeue.StatusComplete))
		})
	})

	Describe("Finished retention", func() {
		BeforeEach(func() {
			cfg.MaxStoredRecords = 2
		})

		It("should keep only the most recent finished records", func() {
			seedFiles(5)
			for i := 0; i < 5; i++ {
				Expect(queue.Complete(ctx, pop())).To(Succeed())
			}

			Expect(queue.FinishedIDs()).To(Equal([]int64{4, 5}))
			for _, id := range []int64{1, 2, 3} {
				_, ok := queue.Lookup(id)
				Expect(ok).To(BeFalse())
			}
			rec, ok := queue.Lookup(5)
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal(filequeue.StatusComplete))
		})

		It("should never list an id as both pending and finished", func() {
			seedFiles(1)
			pop()
			Expect(queue.Complete(ctx, 1)).To(Succeed())
			Expect(queue.FinishedIDs()).To(Equal([]int64{1}))

			Expect(queue.Push(&filequeue.Record{ID: 1, Name: "file-1.pdf"})).To(BeTrue())
			Expect(queue.PendingIDs()).To(Equal([]int64{1}))
			Expect(queue.FinishedIDs()).To(BeEmpty())
		})
	})

	Describe("PeekNext and MoveToFront", func() {
		BeforeEach(func() {
			seedFiles(3)
		})

		It("should walk the scheduling order", func() {
			Expect(pop()).To(Equal(int64(1)))

			next, ok := queue.PeekNext(0)
			Expect(ok).To(BeTrue())
			Expect(next).To(Equal(int64(2)))

			next, ok = queue.PeekNext(1)
			Expect(ok).To(BeTrue())
			Expect(next).To(Equal(int64(2)))

			next, ok = queue.PeekNext(2)
			Expect(ok).To(BeTrue())
			Expect(next).To(Equal(int64(3)))

			_, ok = queue.PeekNext(3)
			Expect(ok).To(BeFalse())
		})

		It("should show delayed records behind the ones pending before the delay", func() {
			pop()
			Expect(queue.Delay(ctx, 1)).To(Succeed())

			next, ok := queue.PeekNext(3)
			Expect(ok).To(BeTrue())
			Expect(next).To(Equal(int64(1)))
		})

		It("should move a pending record to the front", func() {
			pop()
			Expect(queue.MoveToFront(3)).To(BeTrue())
			Expect(queue.PendingIDs()).To(Equal([]int64{3, 2}))
			Expect(pop()).To(Equal(int64(3)))
		})

		It("should move a delayed record to the front", func() {
			pop()
			Expect(queue.Delay(ctx, 1)).To(Succeed())
			Expect(queue.MoveToFront(1)).To(BeTrue())
			Expect(queue.Stats().Delayed).To(Equal(0))
			Expect(pop()).To(Equal(int64(1)))
		})

		It("should not move unknown records", func() {
			Expect(queue.MoveToFront(42)).To(BeFalse())
		})
	})

	Describe("Remove", func() {
		BeforeEach(func() {
			seedFiles(3)
		})

		It("should remove by name in scheduling order", func() {
			Expect(queue.Push(&filequeue.Record{ID: 20, Name: "dup.pdf"})).To(BeTrue())
			Expect(queue.Push(&filequeue.Record{ID: 21, Name: "dup.pdf"})).To(BeTrue())
			Expect(queue.MoveToFront(21)).To(BeTrue())

			Expect(queue.RemoveByName("dup.pdf")).To(BeTrue())
			_, ok := queue.Lookup(21)
			Expect(ok).To(BeFalse())
			_, ok = queue.Lookup(20)
			Expect(ok).To(BeTrue())

			Expect(queue.RemoveByName("dup.pdf")).To(BeTrue())
			Expect(queue.RemoveByName("dup.pdf")).To(BeFalse())
		})

		It("should drop a pending record and reset it in the backing store", func() {
			pop()
			Expect(queue.Remove(2)).To(BeTrue())
			Expect(queue.PendingIDs()).To(Equal([]int64{3}))
			_, ok := queue.Lookup(2)
			Expect(ok).To(BeFalse())
			Expect(storeStatus(2)).To(Equal(filequeue.StatusNone))
		})

		It("should drop a current record once it is delayed", func() {
			pop()
			Expect(queue.Remove(1)).To(BeTrue())

			rec, ok := queue.Lookup(1)
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal(filequeue.StatusCurrent))

			Expect(queue.Delay(ctx, 1)).To(Succeed())
			_, ok = queue.Lookup(1)
			Expect(ok).To(BeFalse())
			Expect(queue.Stats().Delayed).To(Equal(0))
			Expect(storeStatus(1)).To(Equal(filequeue.StatusNone))
		})

		It("should remove by name", func() {
			pop()
			Expect(queue.RemoveByName("file-3.pdf")).To(BeTrue())
			Expect(queue.PendingIDs()).To(Equal([]int64{2}))
			Expect(queue.RemoveByName("missing.pdf")).To(BeFalse())
		})

		It("should report unknown ids", func() {
			Expect(queue.Remove(99)).To(BeFalse())
		})
	})

	Describe("Checkout", func() {
		It("should take a queued record out of the queue", func() {
			seedFiles(3)
			pop()

			rec, prev, err := queue.Checkout(ctx, 3, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.ID).To(Equal(int64(3)))
			Expect(rec.Status).To(Equal(filequeue.StatusCurrent))
			Expect(prev).To(Equal(filequeue.StatusNone))
			Expect(queue.PendingIDs()).To(Equal([]int64{2}))
		})

		It("should claim a file that is not queued", func() {
			Expect(store.AddFile(ctx, filequeue.File{ID: 8, Name: "h.pdf"})).To(Succeed())

			rec, prev, err := queue.Checkout(ctx, 8, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Name).To(Equal("h.pdf"))
			Expect(prev).To(Equal(filequeue.StatusNone))
			Expect(storeStatus(8)).To(Equal(filequeue.StatusCurrent))
		})

		It("should need override to reprocess a finished file", func() {
			Expect(store.AddFile(ctx, filequeue.File{ID: 8, Name: "h.pdf"})).To(Succeed())
			Expect(store.NotifyFailed(ctx, 8, testAction, 0, false, "bad")).To(Succeed())

			_, _, err := queue.Checkout(ctx, 8, false)
			Expect(filequeue.IsBackingStoreUnavailable(err)).To(BeTrue())
			Expect(errors.Is(err, filequeue.ErrStatusConflict)).To(BeTrue())
			Expect(queue.Stats().Current).To(Equal(0))

			rec, prev, err := queue.Checkout(ctx, 8, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(prev).To(Equal(filequeue.StatusFailed))
			Expect(rec.AllowOverride).To(BeTrue())

			Expect(queue.Complete(ctx, 8)).To(Succeed())
			Expect(storeStatus(8)).To(Equal(filequeue.StatusComplete))
		})

		It("should restore the prior status when the claim is abandoned", func() {
			Expect(store.AddFile(ctx, filequeue.File{ID: 8, Name: "h.pdf"})).To(Succeed())
			Expect(store.NotifySkipped(ctx, 8, testAction, 0, false)).To(Succeed())

			_, _, err := queue.Checkout(ctx, 8, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(queue.SetStatus(ctx, 8, filequeue.StatusNone, nil)).To(Succeed())
			Expect(storeStatus(8)).To(Equal(filequeue.StatusSkipped))
		})

		It("should reject checking out a current record", func() {
			seedFiles(1)
			pop()
			_, _, err := queue.Checkout(ctx, 1, true)
			Expect(filequeue.IsInvalidStateTransition(err)).To(BeTrue())
		})

		It("should report unknown files", func() {
			_, _, err := queue.Checkout(ctx, 404, false)
			Expect(err).To(MatchError(filequeue.ErrNotFound))
		})

		It("should check out the next record without waiting", func() {
			seedFiles(1)
			rec, prev, err := queue.CheckoutNext(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.ID).To(Equal(int64(1)))
			Expect(prev).To(Equal(filequeue.StatusNone))

			rec, _, err = queue.CheckoutNext(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).To(BeNil())
		})
	})

	Describe("Discard", func() {
		BeforeEach(func() {
			seedFiles(3)
		})

		It("should reset pending records and refuse new work", func() {
			Expect(pop()).To(Equal(int64(1)))
			queue.Discard(ctx)

			Eventually(queue.DiscardedSignal()).Should(BeClosed())
			Expect(queue.PendingIDs()).To(BeEmpty())
			Expect(storeStatus(2)).To(Equal(filequeue.StatusNone))
			Expect(storeStatus(3)).To(Equal(filequeue.StatusNone))

			Expect(queue.Push(&filequeue.Record{ID: 10})).To(BeFalse())
			rec, err := queue.Pop(ctx, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).To(BeNil())

			rec, _, err = queue.Checkout(ctx, 2, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).To(BeNil())
		})

		It("should let current records finish", func() {
			pop()
			queue.Discard(ctx)

			Expect(queue.Complete(ctx, 1)).To(Succeed())
			Expect(storeStatus(1)).To(Equal(filequeue.StatusComplete))
		})

		It("should reset delayed records too", func() {
			pop()
			Expect(queue.Delay(ctx, 1)).To(Succeed())
			queue.Discard(ctx)

			Expect(queue.Stats().Delayed).To(Equal(0))
			Expect(storeStatus(1)).To(Equal(filequeue.StatusNone))
		})

		It("should drop a current record that is delayed after discard", func() {
			pop()
			queue.Discard(ctx)

			Expect(queue.Delay(ctx, 1)).To(Succeed())
			_, ok := queue.Lookup(1)
			Expect(ok).To(BeFalse())
			Expect(storeStatus(1)).To(Equal(filequeue.StatusNone))
		})

		It("should be idempotent", func() {
			pop()
			queue.Discard(ctx)
			stats := queue.Stats()

			queue.Discard(ctx)
			Expect(queue.Stats()).To(Equal(stats))
			Expect(storeStatus(1)).To(Equal(filequeue.StatusCurrent))
		})

		It("should hand rows loaded during discard back as pending", func() {
			ds := &discardingStore{InMemoryStore: store}
			q := filequeue.NewTaskQueue(ds, cfg, nil, testLogger())
			defer q.Close()
			ds.onFetch = func() {
				go q.Discard(ctx)
				Eventually(q.DiscardedSignal()).Should(BeClosed())
			}

			rec, err := q.Pop(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).To(BeNil())
			for id := int64(1); id <= 3; id++ {
				Expect(storeStatus(id)).To(Equal(filequeue.StatusPending))
			}
		})
	})

	Describe("Input closing", func() {
		It("should still hand out delayed records after input is closed", func() {
			seedFiles(1)
			pop()
			Expect(queue.Delay(ctx, 1)).To(Succeed())
			queue.CloseInput()
			Expect(queue.Exhausted()).To(BeFalse())

			Expect(store.AddFile(ctx, filequeue.File{ID: 2, Name: "ignored.pdf"})).To(Succeed())
			Expect(pop()).To(Equal(int64(1)))
			Expect(queue.Complete(ctx, 1)).To(Succeed())

			rec, err := queue.Pop(ctx, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).To(BeNil())
			Expect(queue.Exhausted()).To(BeTrue())
		})
	})

	Describe("Notifications", func() {
		var sink *transitionLog

		JustBeforeEach(func() {
			sink = &transitionLog{}
			queue = filequeue.NewTaskQueue(store, cfg, sink, testLogger())
		})

		It("should report every transition in order", func() {
			seedFiles(2)
			pop()
			Expect(queue.Complete(ctx, 1)).To(Succeed())
			pop()
			Expect(queue.Delay(ctx, 2)).To(Succeed())
			Expect(queue.Close()).To(Succeed())

			Expect(sink.For(1)).To(Equal([]string{
				"1:none->pending",
				"1:pending->current",
				"1:current->complete",
			}))
			Expect(sink.For(2)).To(Equal([]string{
				"2:none->pending",
				"2:pending->current",
				"2:current->pending",
			}))
		})

		It("should survive a panicking sink", func() {
			queue = filequeue.NewTaskQueue(store, cfg, filequeue.NotificationFunc(func(filequeue.Record, filequeue.Status) {
				panic("sink failure")
			}), testLogger())
			seedFiles(1)
			pop()
			Expect(queue.Complete(ctx, 1)).To(Succeed())
			Expect(queue.Close()).To(Succeed())
		})
	})

	Describe("Progress", func() {
		It("should share progress between the record handed out and the queue", func() {
			seedFiles(1)
			rec, err := queue.Pop(ctx, false)
			Expect(err).NotTo(HaveOccurred())

			rec.Progress.Update(3, 12, "page 3")
			stored, ok := queue.Lookup(rec.ID)
			Expect(ok).To(BeTrue())
			Expect(stored.Progress.Percentage()).To(BeNumerically("==", 25))
			_, _, msg := stored.Progress.Snapshot()
			Expect(msg).To(Equal("page 3"))
		})
	})

	Describe("Concurrent workers", func() {
		It("should hand out every file exactly once", func() {
			const total = 40
			seedFiles(total)

			var (
				mu   sync.Mutex
				seen = make(map[int64]int)
				wg   sync.WaitGroup
			)
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for {
						rec, err := queue.Pop(ctx, false)
						Expect(err).NotTo(HaveOccurred())
						if rec == nil {
							return
						}
						mu.Lock()
						seen[rec.ID]++
						mu.Unlock()
						Expect(queue.Complete(ctx, rec.ID)).To(Succeed())
					}
				}()
			}
			wg.Wait()

			Expect(seen).To(HaveLen(total))
			for id, n := range seen {
				Expect(n).To(Equal(1), "file %d", id)
				Expect(storeStatus(id)).To(Equal(filequeue.StatusComplete))
			}
		})
	})
})
