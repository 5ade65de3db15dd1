// Package storagetest holds the behavioural suite every storage.Store must
// pass. Backends call DescribeStore from a ginkgo test file.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/storage"
)

// Factory returns a fresh, empty store and a cleanup func.
type Factory func() (storage.Store, func())

// DescribeStore registers the conformance specs under name.
func DescribeStore(name string, factory Factory) bool {
	return Describe(name, func() {
		var (
			store   storage.Store
			cleanup func()
			ctx     context.Context
			queue   string
		)

		BeforeEach(func() {
			store, cleanup = factory()
			ctx = context.Background()
			queue = "q-" + uuid.NewString()[:8]
			created, err := store.CreateQueue(ctx, newQueue(queue, 3))
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())
		})

		AfterEach(func() {
			if cleanup != nil {
				cleanup()
			}
		})

		insert := func(maxAttempts int) *domain.Job {
			j := newJob(queue, maxAttempts)
			Expect(store.InsertJob(ctx, j, nil)).To(Succeed())
			return j
		}

		lease := func(worker string, limit int, timeout time.Duration) []*domain.Job {
			jobs, err := store.LeaseJobs(ctx, storage.LeaseParams{
				Queue: queue, WorkerID: worker, Limit: limit, LeaseTimeout: timeout,
			})
			Expect(err).NotTo(HaveOccurred())
			return jobs
		}

		Context("queues", func() {
			It("treats re-creating a queue as a no-op", func() {
				q := newQueue(queue, 9)
				created, err := store.CreateQueue(ctx, q)
				Expect(err).NotTo(HaveOccurred())
				Expect(created).To(BeFalse())

				got, err := store.GetQueue(ctx, queue)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Policy.MaxAttempts).To(Equal(3))
			})

			It("reports unknown queues", func() {
				_, err := store.GetQueue(ctx, "missing-"+queue)
				Expect(err).To(MatchError(domain.ErrQueueNotFound))
			})

			It("rejects jobs for unknown queues", func() {
				j := newJob("missing-"+queue, 1)
				Expect(store.InsertJob(ctx, j, nil)).To(MatchError(domain.ErrQueueNotFound))
			})
		})

		Context("leasing", func() {
			It("inserts jobs in created state with no attempts", func() {
				j := insert(3)
				got, err := store.GetJob(ctx, j.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.State).To(Equal(domain.Created))
				Expect(got.Attempt).To(Equal(0))
				Expect(got.CreatedAt).NotTo(BeZero())
			})

			It("claims a job, increments the attempt and records the lease", func() {
				j := insert(3)
				jobs := lease("w1", 5, time.Minute)
				Expect(jobs).To(HaveLen(1))
				Expect(jobs[0].ID).To(Equal(j.ID))
				Expect(jobs[0].State).To(Equal(domain.Active))
				Expect(jobs[0].Attempt).To(Equal(1))
				Expect(jobs[0].LeasedBy).To(Equal("w1"))
				Expect(jobs[0].StartedAt).NotTo(BeNil())
				Expect(jobs[0].LeaseExpiresAt).NotTo(BeNil())

				Expect(lease("w2", 5, time.Minute)).To(BeEmpty())
			})

			It("respects the batch limit", func() {
				for range 5 {
					insert(1)
				}
				Expect(lease("w1", 2, time.Minute)).To(HaveLen(2))
				Expect(lease("w1", 10, time.Minute)).To(HaveLen(3))
			})

			It("does not lease future-dated jobs", func() {
				j := newJob(queue, 1)
				j.StartAfter = time.Now().Add(time.Hour)
				Expect(store.InsertJob(ctx, j, nil)).To(Succeed())
				Expect(lease("w1", 1, time.Minute)).To(BeEmpty())
			})

			It("lets exactly one of many concurrent workers claim a job", func() {
				insert(1)

				var (
					wg      sync.WaitGroup
					mu      sync.Mutex
					claimed int
				)
				for i := range 16 {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						jobs, err := store.LeaseJobs(ctx, storage.LeaseParams{
							Queue: queue, WorkerID: fmt.Sprintf("w%d", i), Limit: 1, LeaseTimeout: time.Minute,
						})
						Expect(err).NotTo(HaveOccurred())
						mu.Lock()
						claimed += len(jobs)
						mu.Unlock()
					}()
				}
				wg.Wait()
				Expect(claimed).To(Equal(1))
			})
		})

		Context("resolution", func() {
			It("completes only jobs the worker holds", func() {
				j := insert(1)
				lease("w1", 1, time.Minute)

				n, err := store.CompleteJobs(ctx, "w2", []string{j.ID})
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(0))

				n, err = store.CompleteJobs(ctx, "w1", []string{j.ID})
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(1))

				got, err := store.GetJob(ctx, j.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.State).To(Equal(domain.Completed))
				Expect(got.CompletedAt).NotTo(BeNil())
				Expect(got.LeasedBy).To(BeEmpty())
			})

			It("moves a failure with attempts left to retry-wait", func() {
				j := insert(3)
				lease("w1", 1, time.Minute)

				state, err := store.FailJob(ctx, storage.FailParams{
					JobID: j.ID, WorkerID: "w1", Error: "boom", RetryDelay: time.Hour,
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(state).To(Equal(domain.RetryWait))

				got, err := store.GetJob(ctx, j.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.LastError).To(Equal("boom"))
				Expect(got.StartAfter).To(BeTemporally(">", time.Now().Add(30*time.Minute)))
				Expect(lease("w1", 1, time.Minute)).To(BeEmpty())
			})

			It("re-leases retry-wait jobs once due", func() {
				j := insert(3)
				lease("w1", 1, time.Minute)
				_, err := store.FailJob(ctx, storage.FailParams{JobID: j.ID, WorkerID: "w1", Error: "boom"})
				Expect(err).NotTo(HaveOccurred())

				jobs := lease("w2", 1, time.Minute)
				Expect(jobs).To(HaveLen(1))
				Expect(jobs[0].Attempt).To(Equal(2))
			})

			It("fails terminally once attempts are exhausted", func() {
				j := insert(2)
				for attempt := 1; attempt <= 2; attempt++ {
					Expect(lease("w1", 1, time.Minute)).To(HaveLen(1))
					state, err := store.FailJob(ctx, storage.FailParams{JobID: j.ID, WorkerID: "w1", Error: "boom"})
					Expect(err).NotTo(HaveOccurred())
					if attempt < 2 {
						Expect(state).To(Equal(domain.RetryWait))
					} else {
						Expect(state).To(Equal(domain.Failed))
					}
				}
				Expect(lease("w1", 1, time.Minute)).To(BeEmpty())

				got, err := store.GetJob(ctx, j.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.State).To(Equal(domain.Failed))
				Expect(got.Attempt).To(Equal(2))
				Expect(got.LastError).To(Equal("boom"))
			})

			It("fails permanent errors without retry", func() {
				j := insert(5)
				lease("w1", 1, time.Minute)
				state, err := store.FailJob(ctx, storage.FailParams{JobID: j.ID, WorkerID: "w1", Error: "bad", Permanent: true})
				Expect(err).NotTo(HaveOccurred())
				Expect(state).To(Equal(domain.Failed))
			})

			It("reports a lost lease", func() {
				j := insert(3)
				lease("w1", 1, time.Minute)
				_, err := store.FailJob(ctx, storage.FailParams{JobID: j.ID, WorkerID: "w2", Error: "x"})
				Expect(err).To(MatchError(domain.ErrLeaseLost))
			})
		})

		Context("lease expiry", func() {
			It("returns expired leases to created", func() {
				j := insert(3)
				lease("w1", 1, 20*time.Millisecond)

				Eventually(func() domain.JobState {
					_, err := store.ReleaseExpiredLeases(ctx)
					Expect(err).NotTo(HaveOccurred())
					got, err := store.GetJob(ctx, j.ID)
					Expect(err).NotTo(HaveOccurred())
					return got.State
				}).WithTimeout(2 * time.Second).WithPolling(25 * time.Millisecond).Should(Equal(domain.Created))

				got, err := store.GetJob(ctx, j.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.State).To(Equal(domain.Created))
				Expect(got.LastError).To(Equal(storage.LeaseExpiredError))

				n, err := store.CompleteJobs(ctx, "w1", []string{j.ID})
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(0))

				jobs := lease("w2", 1, time.Minute)
				Expect(jobs).To(HaveLen(1))
				Expect(jobs[0].Attempt).To(Equal(2))
			})

			It("fails expired leases whose attempts are exhausted", func() {
				j := insert(1)
				lease("w1", 1, 20*time.Millisecond)

				Eventually(func() domain.JobState {
					_, err := store.ReleaseExpiredLeases(ctx)
					Expect(err).NotTo(HaveOccurred())
					got, err := store.GetJob(ctx, j.ID)
					Expect(err).NotTo(HaveOccurred())
					return got.State
				}).WithTimeout(2 * time.Second).WithPolling(25 * time.Millisecond).Should(Equal(domain.Failed))

				got, err := store.GetJob(ctx, j.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.State).To(Equal(domain.Failed))
			})
		})

		Context("schedules", func() {
			sched := func(cron string) *domain.Schedule {
				return &domain.Schedule{
					Queue: queue, Key: "daily-report", Cron: cron, Timezone: "UTC",
					Payload: json.RawMessage(`{"a":1}`), Enabled: true,
				}
			}

			It("upserts by (queue, key)", func() {
				change, err := store.UpsertSchedule(ctx, sched("0 9 * * *"))
				Expect(err).NotTo(HaveOccurred())
				Expect(change).To(Equal(domain.ScheduleCreated))

				change, err = store.UpsertSchedule(ctx, sched("0 9 * * *"))
				Expect(err).NotTo(HaveOccurred())
				Expect(change).To(Equal(domain.ScheduleUnchanged))

				change, err = store.UpsertSchedule(ctx, sched("30 9 * * *"))
				Expect(err).NotTo(HaveOccurred())
				Expect(change).To(Equal(domain.ScheduleReplaced))

				all, err := store.ListSchedules(ctx)
				Expect(err).NotTo(HaveOccurred())
				var mine []*domain.Schedule
				for _, s := range all {
					if s.Queue == queue {
						mine = append(mine, s)
					}
				}
				Expect(mine).To(HaveLen(1))
				Expect(mine[0].Cron).To(Equal("30 9 * * *"))
			})

			It("treats payload whitespace as the same definition", func() {
				_, err := store.UpsertSchedule(ctx, sched("0 9 * * *"))
				Expect(err).NotTo(HaveOccurred())
				s := sched("0 9 * * *")
				s.Payload = json.RawMessage(`{ "a": 1 }`)
				change, err := store.UpsertSchedule(ctx, s)
				Expect(err).NotTo(HaveOccurred())
				Expect(change).To(Equal(domain.ScheduleUnchanged))
			})

			It("deletes idempotently", func() {
				_, err := store.UpsertSchedule(ctx, sched("0 9 * * *"))
				Expect(err).NotTo(HaveOccurred())

				removed, err := store.DeleteSchedule(ctx, queue, "daily-report")
				Expect(err).NotTo(HaveOccurred())
				Expect(removed).To(BeTrue())

				removed, err = store.DeleteSchedule(ctx, queue, "daily-report")
				Expect(err).NotTo(HaveOccurred())
				Expect(removed).To(BeFalse())

				_, err = store.GetSchedule(ctx, queue, "daily-report")
				Expect(err).To(MatchError(domain.ErrScheduleNotFound))
			})

			It("toggles the enabled flag", func() {
				_, err := store.UpsertSchedule(ctx, sched("0 9 * * *"))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.SetScheduleEnabled(ctx, queue, "daily-report", false)).To(Succeed())

				got, err := store.GetSchedule(ctx, queue, "daily-report")
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Enabled).To(BeFalse())

				Expect(store.SetScheduleEnabled(ctx, queue, "nope", true)).To(MatchError(domain.ErrScheduleNotFound))
			})

			It("inserts a scheduled job at most once per slot", func() {
				_, err := store.UpsertSchedule(ctx, sched("0 9 * * *"))
				Expect(err).NotTo(HaveOccurred())

				minute := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
				slot := &domain.ScheduleSlot{Queue: queue, Key: "daily-report", Minute: minute}

				Expect(store.InsertJob(ctx, newJob(queue, 1), slot)).To(Succeed())
				Expect(store.InsertJob(ctx, newJob(queue, 1), slot)).To(MatchError(domain.ErrScheduleAlreadyFired))

				jobs, err := store.ListJobs(ctx, storage.JobFilter{Queue: queue})
				Expect(err).NotTo(HaveOccurred())
				Expect(jobs).To(HaveLen(1))

				got, err := store.GetSchedule(ctx, queue, "daily-report")
				Expect(err).NotTo(HaveOccurred())
				Expect(got.LastFiredAt).NotTo(BeNil())
				Expect(got.LastFiredAt.Equal(minute)).To(BeTrue())
			})

			It("keeps the fired marker across replacement", func() {
				_, err := store.UpsertSchedule(ctx, sched("0 9 * * *"))
				Expect(err).NotTo(HaveOccurred())
				minute := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
				slot := &domain.ScheduleSlot{Queue: queue, Key: "daily-report", Minute: minute}
				Expect(store.InsertJob(ctx, newJob(queue, 1), slot)).To(Succeed())

				_, err = store.UpsertSchedule(ctx, sched("* * * * *"))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.InsertJob(ctx, newJob(queue, 1), slot)).To(MatchError(domain.ErrScheduleAlreadyFired))
			})

			It("does not fire a definition replaced after it was read", func() {
				_, err := store.UpsertSchedule(ctx, sched("0 9 * * *"))
				Expect(err).NotTo(HaveOccurred())
				read, err := store.GetSchedule(ctx, queue, "daily-report")
				Expect(err).NotTo(HaveOccurred())

				replacement := sched("0 10 * * *")
				replacement.Payload = json.RawMessage(`{"v":"new"}`)
				change, err := store.UpsertSchedule(ctx, replacement)
				Expect(err).NotTo(HaveOccurred())
				Expect(change).To(Equal(domain.ScheduleReplaced))

				minute := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
				stale := &domain.ScheduleSlot{Queue: queue, Key: "daily-report", Minute: minute, Version: read.UpdatedAt}
				Expect(store.InsertJob(ctx, newJob(queue, 1), stale)).To(MatchError(domain.ErrScheduleChanged))

				jobs, err := store.ListJobs(ctx, storage.JobFilter{Queue: queue})
				Expect(err).NotTo(HaveOccurred())
				Expect(jobs).To(BeEmpty())

				current, err := store.GetSchedule(ctx, queue, "daily-report")
				Expect(err).NotTo(HaveOccurred())
				Expect(current.LastFiredAt).To(BeNil())
				fresh := &domain.ScheduleSlot{Queue: queue, Key: "daily-report", Minute: minute, Version: current.UpdatedAt}
				Expect(store.InsertJob(ctx, newJob(queue, 1), fresh)).To(Succeed())
			})

			It("does not fire a disabled schedule", func() {
				_, err := store.UpsertSchedule(ctx, sched("0 9 * * *"))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.SetScheduleEnabled(ctx, queue, "daily-report", false)).To(Succeed())

				slot := &domain.ScheduleSlot{Queue: queue, Key: "daily-report", Minute: time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)}
				Expect(store.InsertJob(ctx, newJob(queue, 1), slot)).To(MatchError(domain.ErrScheduleChanged))
			})

			It("does not fire a minute that began before the definition was written", func() {
				_, err := store.UpsertSchedule(ctx, sched("* * * * *"))
				Expect(err).NotTo(HaveOccurred())

				slot := &domain.ScheduleSlot{Queue: queue, Key: "daily-report", Minute: time.Now().Add(-time.Hour).Truncate(time.Minute)}
				Expect(store.InsertJob(ctx, newJob(queue, 1), slot)).To(MatchError(domain.ErrScheduleChanged))
			})

			It("rejects slots of removed schedules", func() {
				slot := &domain.ScheduleSlot{Queue: queue, Key: "gone", Minute: time.Now()}
				Expect(store.InsertJob(ctx, newJob(queue, 1), slot)).To(MatchError(domain.ErrScheduleNotFound))
			})
		})
	})
}

func newQueue(name string, maxAttempts int) *domain.Queue {
	p := domain.DefaultRetryPolicy()
	p.MaxAttempts = maxAttempts
	return &domain.Queue{Name: name, Policy: p, LeaseTimeout: time.Minute}
}

func newJob(queue string, maxAttempts int) *domain.Job {
	return &domain.Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Payload:     json.RawMessage(`{"n":1}`),
		MaxAttempts: maxAttempts,
	}
}
