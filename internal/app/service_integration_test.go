package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	service "github.com/okian/ritual/internal/app"
	"github.com/okian/ritual/internal/adapters/notify"
	"github.com/okian/ritual/internal/adapters/repository"
	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/reconcile"
	"github.com/okian/ritual/internal/generation"
	. "github.com/smartystreets/goconvey/convey"
)

type pair struct {
	alice service.Session
	bob   service.Session
}

func newPair(ctx context.Context, svc *service.Service, one, two string) pair {
	_, err := svc.CreateCouple(ctx, one, two, "Lisbon")
	So(err, ShouldBeNil)
	a, err := svc.Session(ctx, one)
	So(err, ShouldBeNil)
	b, err := svc.Session(ctx, two)
	So(err, ShouldBeNil)
	return pair{alice: a, bob: b}
}

func waitGenerated(svc *service.Service, sess service.Session, cycleID string) *model.WeeklyCycle {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := svc.Subscribe(ctx, sess, cycleID)
	So(err, ShouldBeNil)
	defer sub.Unsubscribe()

	var out *model.WeeklyCycle
	err = notify.Wait(ctx, sub.Events(), 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		c, err := svc.GetCycle(ctx, sess, cycleID)
		if err != nil {
			return false, err
		}
		out = c
		return c.Generated(), nil
	})
	So(err, ShouldBeNil)
	return out
}

func prefs(titles ...string) []model.RitualPreference {
	out := make([]model.RitualPreference, len(titles))
	for i, t := range titles {
		out[i] = model.RitualPreference{Rank: i + 1, Title: t}
	}
	return out
}

func TestServiceScenario(t *testing.T) {
	Convey("Given two partners planning a week", t, func() {
		provider := &fixedProvider{delay: 10 * time.Millisecond}
		svc := newService(provider)
		ctx := context.Background()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()
		p := newPair(ctx, svc, "alice", "bob")

		cycle, err := svc.EnsureCurrentCycle(ctx, p.alice)
		So(err, ShouldBeNil)
		again, err := svc.EnsureCurrentCycle(ctx, p.bob)
		So(err, ShouldBeNil)
		So(again.ID, ShouldEqual, cycle.ID)
		So(cycle.WeekStart, ShouldEqual, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))

		st, err := svc.SubmitInput(ctx, p.alice, cycle.ID, service.InputPayload{Moods: []string{"cozy", "deep-talk"}, Desire: "quiet night"})
		So(err, ShouldBeNil)
		So(st, ShouldEqual, model.StatusOneSubmitted)
		st, err = svc.SubmitInput(ctx, p.bob, cycle.ID, service.InputPayload{Moods: []string{"adventure"}})
		So(err, ShouldBeNil)
		So(st, ShouldEqual, model.StatusBothSubmitted)

		generated := waitGenerated(svc, p.alice, cycle.ID)

		Convey("Then generation ran once and produced the proposals", func() {
			So(provider.calls.Load(), ShouldEqual, int64(1))
			So(generated.SynthesizedOutput, ShouldHaveLength, len(scenarioTitles))
			So(generated.Status(), ShouldEqual, model.StatusProposalsReady)
		})

		Convey("When both rank and mark availability", func() {
			_, err := svc.SetRankings(ctx, p.alice, cycle.ID, prefs("Candlelit dinner", "Night hike", "Bookshop date"))
			So(err, ShouldBeNil)
			_, err = svc.SetRankings(ctx, p.bob, cycle.ID, prefs("Night hike", "Climbing gym", "Deep-talk walk"))
			So(err, ShouldBeNil)

			early, err := svc.ComputeAgreement(ctx, p.alice, cycle.ID)
			So(err, ShouldBeNil)
			So(early.State, ShouldEqual, reconcile.AwaitingAvailabilityOverlap)

			_, err = svc.SetAvailability(ctx, p.alice, cycle.ID, []model.AvailabilitySlot{{DayOffset: 5, TimeBand: model.Evening}, {DayOffset: 6, TimeBand: model.Afternoon}})
			So(err, ShouldBeNil)
			_, err = svc.SetAvailability(ctx, p.bob, cycle.ID, []model.AvailabilitySlot{{DayOffset: 6, TimeBand: model.Afternoon}})
			So(err, ShouldBeNil)

			res, err := svc.ComputeAgreement(ctx, p.alice, cycle.ID)
			So(err, ShouldBeNil)

			Convey("Then the title ranked 2 and 1 is agreed on the shared slot", func() {
				So(res.State, ShouldEqual, reconcile.Agreed)
				So(res.Picker, ShouldEqual, model.PartnerOne)
				a := res.Cycle.Agreement
				So(a.Ritual.Title, ShouldEqual, "Night hike")
				So(a.DayOffset, ShouldEqual, 6)
				So(a.TimeBand, ShouldEqual, model.Afternoon)
				So(a.Date, ShouldEqual, "2026-10-25")
			})

			Convey("Then computing again changes nothing", func() {
				second, err := svc.ComputeAgreement(ctx, p.bob, cycle.ID)
				So(err, ShouldBeNil)
				So(second.State, ShouldEqual, reconcile.Agreed)
				So(second.Cycle.Version, ShouldEqual, res.Cycle.Version)
				So(second.Cycle.Agreement.SameOutcome(res.Cycle.Agreement), ShouldBeTrue)
			})

			Convey("Then only the picker refines the hour, inside the band", func() {
				_, err := svc.RefineTime(ctx, p.bob, cycle.ID, 14)
				So(errors.Is(err, service.ErrForbidden), ShouldBeTrue)
				_, err = svc.RefineTime(ctx, p.alice, cycle.ID, 20)
				So(errors.Is(err, service.ErrValidation), ShouldBeTrue)

				refined, err := svc.RefineTime(ctx, p.alice, cycle.ID, 14)
				So(err, ShouldBeNil)
				So(*refined.Agreement.Hour, ShouldEqual, 14)
				So(refined.Agreement.Ritual.Title, ShouldEqual, "Night hike")
			})

			Convey("Then completion is recorded once and feeds history", func() {
				done, err := svc.RecordCompletion(ctx, p.bob, cycle.ID, 5)
				So(err, ShouldBeNil)
				So(done.Title, ShouldEqual, "Night hike")
				_, err = svc.RecordCompletion(ctx, p.alice, cycle.ID, 4)
				So(errors.Is(err, service.ErrConflict), ShouldBeTrue)
				_, err = svc.RecordCompletion(ctx, p.alice, cycle.ID, 6)
				So(errors.Is(err, service.ErrValidation), ShouldBeTrue)

				h, err := svc.History(ctx, p.alice, 10)
				So(err, ShouldBeNil)
				So(h.Cycles, ShouldHaveLength, 1)
				So(h.Completions, ShouldHaveLength, 1)
			})

			Convey("Then rankings can no longer change", func() {
				_, err := svc.SetRankings(ctx, p.alice, cycle.ID, prefs("Climbing gym"))
				So(errors.Is(err, service.ErrConflict), ShouldBeTrue)
			})
		})

		Convey("When availability never overlaps", func() {
			_, _ = svc.SetRankings(ctx, p.alice, cycle.ID, prefs("Night hike"))
			_, _ = svc.SetRankings(ctx, p.bob, cycle.ID, prefs("Night hike"))
			_, _ = svc.SetAvailability(ctx, p.alice, cycle.ID, []model.AvailabilitySlot{{DayOffset: 1, TimeBand: model.Morning}})
			_, _ = svc.SetAvailability(ctx, p.bob, cycle.ID, []model.AvailabilitySlot{{DayOffset: 1, TimeBand: model.Evening}})
			res, err := svc.ComputeAgreement(ctx, p.alice, cycle.ID)
			So(err, ShouldBeNil)

			Convey("Then a conflict is recorded for both partners", func() {
				So(res.State, ShouldEqual, reconcile.NoOverlap)
				So(res.Conflict(), ShouldBeTrue)
				c, _ := svc.GetCycle(ctx, p.bob, cycle.ID)
				So(c.Status(), ShouldEqual, model.StatusNoOverlap)
				So(c.Agreement, ShouldBeNil)
			})

			Convey("Then adjusting availability resolves it", func() {
				_, err := svc.SetAvailability(ctx, p.bob, cycle.ID, []model.AvailabilitySlot{{DayOffset: 1, TimeBand: model.Morning}})
				So(err, ShouldBeNil)
				res, err := svc.ComputeAgreement(ctx, p.bob, cycle.ID)
				So(err, ShouldBeNil)
				So(res.State, ShouldEqual, reconcile.Agreed)
			})
		})

		Convey("When a proposal is swapped", func() {
			_, err := svc.SetRankings(ctx, p.alice, cycle.ID, prefs("Night hike", "Climbing gym"))
			So(err, ShouldBeNil)
			out, err := svc.Swap(ctx, p.bob, cycle.ID, "Night hike")
			So(err, ShouldBeNil)

			Convey("Then the new proposal replaces it and stale rankings drop", func() {
				_, ok := out.ProposalByTitle("Pottery taster")
				So(ok, ShouldBeTrue)
				_, ok = out.ProposalByTitle("Night hike")
				So(ok, ShouldBeFalse)
				So(out.Preferences[model.PartnerOne], ShouldResemble, []model.RitualPreference{{Rank: 2, Title: "Climbing gym"}})
			})
		})
	})
}

func TestServiceSubmissionRules(t *testing.T) {
	Convey("Given a couple with a fresh cycle", t, func() {
		svc := newService(&fixedProvider{})
		ctx := context.Background()
		p := newPair(ctx, svc, "alice", "bob")
		cycle, err := svc.EnsureCurrentCycle(ctx, p.alice)
		So(err, ShouldBeNil)
		payload := service.InputPayload{Moods: []string{"cozy"}}

		Convey("A second submission from the same partner is rejected", func() {
			_, err := svc.SubmitInput(ctx, p.alice, cycle.ID, payload)
			So(err, ShouldBeNil)
			_, err = svc.SubmitInput(ctx, p.alice, cycle.ID, service.InputPayload{Moods: []string{"changed"}})
			So(errors.Is(err, service.ErrConcurrentSubmission), ShouldBeTrue)

			c, _ := svc.GetCycle(ctx, p.alice, cycle.ID)
			So(c.PartnerOneInput.Moods, ShouldResemble, []string{"cozy"})
		})

		Convey("Outsiders cannot touch the cycle", func() {
			other := newPair(ctx, svc, "carol", "dave")
			_, err := svc.SubmitInput(ctx, other.alice, cycle.ID, payload)
			So(errors.Is(err, service.ErrForbidden), ShouldBeTrue)
			_, err = svc.GetCycle(ctx, other.bob, cycle.ID)
			So(errors.Is(err, service.ErrForbidden), ShouldBeTrue)
		})

		Convey("Users without a couple get no session", func() {
			_, err := svc.Session(ctx, "mallory")
			So(errors.Is(err, service.ErrNotFound), ShouldBeTrue)
			_, err = svc.CreateCouple(ctx, "alice", "erin", "")
			So(errors.Is(err, service.ErrConflict), ShouldBeTrue)
		})

		Convey("Unknown cycles are not found", func() {
			_, err := svc.GetCycle(ctx, p.alice, "missing")
			So(errors.Is(err, service.ErrNotFound), ShouldBeTrue)
		})

		Convey("Rankings before proposals exist are a conflict", func() {
			_, err := svc.SetRankings(ctx, p.alice, cycle.ID, prefs("Night hike"))
			So(errors.Is(err, service.ErrConflict), ShouldBeTrue)
		})
	})
}

func TestServiceGenerationOnce(t *testing.T) {
	Convey("Given partners submitting in any order or at the same time", t, func() {
		ctx := context.Background()
		type submitOrder struct {
			name string
			run  func(p pair, id string, submit func(service.Session, string))
		}
		orders := []submitOrder{
			{"one then two", func(p pair, id string, submit func(service.Session, string)) {
				submit(p.alice, id)
				submit(p.bob, id)
			}},
			{"two then one", func(p pair, id string, submit func(service.Session, string)) {
				submit(p.bob, id)
				submit(p.alice, id)
			}},
			{"concurrently", func(p pair, id string, submit func(service.Session, string)) {
				var wg sync.WaitGroup
				for _, s := range []service.Session{p.alice, p.bob} {
					wg.Add(1)
					go func(s service.Session) {
						defer wg.Done()
						submit(s, id)
					}(s)
				}
				wg.Wait()
			}},
		}

		for _, order := range orders {
			Convey(fmt.Sprintf("When submitting %s", order.name), func() {
				provider := &fixedProvider{delay: 20 * time.Millisecond}
				svc := newService(provider, service.WithWorkerCount(4))
				So(svc.Start(ctx), ShouldBeNil)
				defer svc.Stop()
				p := newPair(ctx, svc, "alice", "bob")
				cycle, err := svc.EnsureCurrentCycle(ctx, p.alice)
				So(err, ShouldBeNil)

				var mu sync.Mutex
				var errs []error
				order.run(p, cycle.ID, func(s service.Session, id string) {
					_, err := svc.SubmitInput(ctx, s, id, service.InputPayload{Moods: []string{"calm"}})
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				})

				// Manual invocations race the background task.
				var wg sync.WaitGroup
				for _, s := range []service.Session{p.alice, p.bob, p.alice} {
					wg.Add(1)
					go func(s service.Session) {
						defer wg.Done()
						_, _ = svc.InvokeGeneration(ctx, s, cycle.ID)
					}(s)
				}
				wg.Wait()
				c := waitGenerated(svc, p.bob, cycle.ID)

				Convey("Then exactly one generation call wrote the output", func() {
					for _, err := range errs {
						So(err, ShouldBeNil)
					}
					So(provider.calls.Load(), ShouldEqual, int64(1))
					So(c.SynthesizedOutput, ShouldHaveLength, len(scenarioTitles))
					So(c.Claim, ShouldBeNil)
				})
			})
		}
	})
}

func TestServiceInvokeGeneration(t *testing.T) {
	Convey("Given both inputs and no background workers running", t, func() {
		ctx := context.Background()

		setup := func(provider generation.Provider, opts ...service.Option) (*service.Service, pair, string) {
			svc := newService(provider, opts...)
			p := newPair(ctx, svc, "alice", "bob")
			cycle, err := svc.EnsureCurrentCycle(ctx, p.alice)
			So(err, ShouldBeNil)
			_, err = svc.SubmitInput(ctx, p.alice, cycle.ID, service.InputPayload{Moods: []string{"cozy"}})
			So(err, ShouldBeNil)
			_, err = svc.SubmitInput(ctx, p.bob, cycle.ID, service.InputPayload{Moods: []string{"bold"}})
			So(err, ShouldBeNil)
			return svc, p, cycle.ID
		}

		Convey("When the provider is slower than the wait ceiling", func() {
			svc, p, id := setup(&fixedProvider{delay: 200 * time.Millisecond}, service.WithGenerationWait(20*time.Millisecond))
			c, err := svc.InvokeGeneration(ctx, p.alice, id)

			Convey("Then the caller hears it is still generating and the work completes", func() {
				So(errors.Is(err, service.ErrGenerationTimeout), ShouldBeTrue)
				So(c.Status(), ShouldEqual, model.StatusGenerating)
				done := waitGenerated(svc, p.alice, id)
				So(done.Status(), ShouldEqual, model.StatusProposalsReady)
			})
		})

		Convey("When both partners invoke at once", func() {
			provider := &fixedProvider{delay: 100 * time.Millisecond}
			svc, p, id := setup(provider)
			cycles := make([]*model.WeeklyCycle, 2)
			errs := make([]error, 2)
			var wg sync.WaitGroup
			for i, sess := range []service.Session{p.alice, p.bob} {
				wg.Add(1)
				go func() {
					defer wg.Done()
					cycles[i], errs[i] = svc.InvokeGeneration(ctx, sess, id)
				}()
			}
			wg.Wait()

			Convey("Then the second caller waits for the first run", func() {
				for i := range cycles {
					So(errs[i], ShouldBeNil)
					So(cycles[i].Generated(), ShouldBeTrue)
				}
				So(provider.calls.Load(), ShouldEqual, int64(1))
			})
		})

		Convey("When the provider is rate limited", func() {
			provider := &fixedProvider{fail: []error{status.Error(codes.ResourceExhausted, "slow down")}}
			svc, p, id := setup(provider)
			c, err := svc.InvokeGeneration(ctx, p.bob, id)

			Convey("Then the failure is classified and visible on the cycle", func() {
				var genErr *service.GenerationError
				So(errors.As(err, &genErr), ShouldBeTrue)
				So(genErr.Code, ShouldEqual, generation.CodeRateLimited)
				So(errors.Is(err, service.ErrGenerationFailed), ShouldBeTrue)
				So(c.Status(), ShouldEqual, model.StatusGenerationFailed)

				Convey("And a manual retry succeeds", func() {
					c, err := svc.InvokeGeneration(ctx, p.bob, id)
					So(err, ShouldBeNil)
					So(c.Status(), ShouldEqual, model.StatusProposalsReady)
				})
			})
		})
	})
}

// interleavingStore runs before once, just ahead of the first outcome write.
type interleavingStore struct {
	repository.Store
	once   sync.Once
	before func()
}

func (s *interleavingStore) CommitAgreement(ctx context.Context, id string, version int64, a *model.Agreement) (*model.WeeklyCycle, error) {
	s.once.Do(s.before)
	return s.Store.CommitAgreement(ctx, id, version, a)
}

func (s *interleavingStore) RecordConflict(ctx context.Context, id string, version int64, conflict string) (*model.WeeklyCycle, error) {
	s.once.Do(s.before)
	return s.Store.RecordConflict(ctx, id, version, conflict)
}

func TestServiceAgreementInterleaving(t *testing.T) {
	Convey("Given a partner edits availability while an outcome is being written", t, func() {
		ctx := context.Background()
		store := &interleavingStore{Store: repository.NewMemoryStore()}
		svc := newService(&fixedProvider{}, service.WithStore(store))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()
		p := newPair(ctx, svc, "alice", "bob")

		cycle, err := svc.EnsureCurrentCycle(ctx, p.alice)
		So(err, ShouldBeNil)
		_, err = svc.SubmitInput(ctx, p.alice, cycle.ID, service.InputPayload{Moods: []string{"cozy"}})
		So(err, ShouldBeNil)
		_, err = svc.SubmitInput(ctx, p.bob, cycle.ID, service.InputPayload{Moods: []string{"adventure"}})
		So(err, ShouldBeNil)
		waitGenerated(svc, p.alice, cycle.ID)

		_, err = svc.SetRankings(ctx, p.alice, cycle.ID, prefs("Candlelit dinner", "Night hike", "Bookshop date"))
		So(err, ShouldBeNil)
		_, err = svc.SetRankings(ctx, p.bob, cycle.ID, prefs("Night hike", "Climbing gym", "Deep-talk walk"))
		So(err, ShouldBeNil)

		bobMoves := func(slots ...model.AvailabilitySlot) func() {
			return func() {
				_, err := svc.SetAvailability(ctx, p.bob, cycle.ID, slots)
				So(err, ShouldBeNil)
			}
		}

		Convey("When bob withdraws the slot an agreement was computed on", func() {
			_, err := svc.SetAvailability(ctx, p.alice, cycle.ID, []model.AvailabilitySlot{{DayOffset: 1, TimeBand: model.Morning}, {DayOffset: 3, TimeBand: model.Evening}})
			So(err, ShouldBeNil)
			_, err = svc.SetAvailability(ctx, p.bob, cycle.ID, []model.AvailabilitySlot{{DayOffset: 1, TimeBand: model.Morning}})
			So(err, ShouldBeNil)
			store.before = bobMoves(model.AvailabilitySlot{DayOffset: 3, TimeBand: model.Evening})

			res, err := svc.ComputeAgreement(ctx, p.alice, cycle.ID)
			So(err, ShouldBeNil)

			Convey("Then the agreement lands on a slot bob still holds", func() {
				So(res.State, ShouldEqual, reconcile.Agreed)
				a := res.Cycle.Agreement
				So(a.Ritual.Title, ShouldEqual, "Night hike")
				So(a.DayOffset, ShouldEqual, 3)
				So(a.TimeBand, ShouldEqual, model.Evening)
				So(res.Cycle.Availability[model.PartnerTwo], ShouldResemble, []model.AvailabilitySlot{{DayOffset: 3, TimeBand: model.Evening}})
			})
		})

		Convey("When bob opens a shared slot while no overlap is being recorded", func() {
			_, err := svc.SetAvailability(ctx, p.alice, cycle.ID, []model.AvailabilitySlot{{DayOffset: 1, TimeBand: model.Morning}})
			So(err, ShouldBeNil)
			_, err = svc.SetAvailability(ctx, p.bob, cycle.ID, []model.AvailabilitySlot{{DayOffset: 2, TimeBand: model.Evening}})
			So(err, ShouldBeNil)
			store.before = bobMoves(model.AvailabilitySlot{DayOffset: 1, TimeBand: model.Morning})

			res, err := svc.ComputeAgreement(ctx, p.alice, cycle.ID)
			So(err, ShouldBeNil)

			Convey("Then no stale conflict is left on the cycle", func() {
				So(res.State, ShouldEqual, reconcile.Agreed)
				So(res.Cycle.Conflict, ShouldEqual, "")
				So(res.Cycle.Status(), ShouldEqual, model.StatusAgreed)
				So(res.Cycle.Agreement.DayOffset, ShouldEqual, 1)
				So(res.Cycle.Agreement.TimeBand, ShouldEqual, model.Morning)
			})
		})
	})
}

func TestServiceTransientGenerationFailure(t *testing.T) {
	Convey("Given a provider that drops the first connection", t, func() {
		ctx := context.Background()
		provider := &fixedProvider{fail: []error{errors.New("connection reset by peer")}}
		svc := newService(provider, service.WithRetryBackoff(150*time.Millisecond, 300*time.Millisecond))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()
		p := newPair(ctx, svc, "alice", "bob")

		cycle, err := svc.EnsureCurrentCycle(ctx, p.alice)
		So(err, ShouldBeNil)
		_, err = svc.SubmitInput(ctx, p.alice, cycle.ID, service.InputPayload{Moods: []string{"cozy"}})
		So(err, ShouldBeNil)
		_, err = svc.SubmitInput(ctx, p.bob, cycle.ID, service.InputPayload{Moods: []string{"adventure"}})
		So(err, ShouldBeNil)

		deadline := time.Now().Add(5 * time.Second)
		var seen []model.CycleStatus
		sawRetry := false
		var c *model.WeeklyCycle
		for time.Now().Before(deadline) {
			c, err = svc.GetCycle(ctx, p.alice, cycle.ID)
			So(err, ShouldBeNil)
			if c.Generated() {
				break
			}
			seen = append(seen, c.Status())
			if c.Failure.RetryPending() {
				sawRetry = true
			}
			time.Sleep(5 * time.Millisecond)
		}

		Convey("Then the cycle reports generating until the retry lands", func() {
			So(c.Generated(), ShouldBeTrue)
			So(sawRetry, ShouldBeTrue)
			for _, st := range seen {
				So(st.Terminal(), ShouldBeFalse)
			}
			So(c.Status(), ShouldEqual, model.StatusProposalsReady)
			So(c.Failure, ShouldBeNil)
			So(provider.calls.Load(), ShouldEqual, int64(2))
		})
	})
}
