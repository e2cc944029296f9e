package reconcile_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/reconcile"
	. "github.com/smartystreets/goconvey/convey"
)

var (
	weekEven = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC) // epoch week 2964, ISO week 43
	weekOdd  = time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC) // epoch week 2965, ISO week 44
)

func proposals(titles ...string) []model.Proposal {
	out := make([]model.Proposal, 0, len(titles))
	for _, t := range titles {
		out = append(out, model.Proposal{Title: t, Description: t + " together"})
	}
	return out
}

func ranks(titles ...string) []model.RitualPreference {
	out := make([]model.RitualPreference, 0, len(titles))
	for i, t := range titles {
		out = append(out, model.RitualPreference{Rank: i + 1, Title: t})
	}
	return out
}

func slot(day int, band model.TimeBand) model.AvailabilitySlot {
	return model.AvailabilitySlot{DayOffset: day, TimeBand: band}
}

func TestPicker(t *testing.T) {
	Convey("Given the picker rotation rules", t, func() {
		Convey("When using epoch week parity", func() {
			So(reconcile.Picker(weekEven, reconcile.RuleEpochWeek), ShouldEqual, model.PartnerOne)
			So(reconcile.Picker(weekOdd, reconcile.RuleEpochWeek), ShouldEqual, model.PartnerTwo)
		})

		Convey("When using ISO week parity", func() {
			So(reconcile.Picker(weekEven, reconcile.RuleISOWeek), ShouldEqual, model.PartnerTwo)
			So(reconcile.Picker(weekOdd, reconcile.RuleISOWeek), ShouldEqual, model.PartnerOne)
		})

		Convey("When the week start carries a zone offset", func() {
			tokyo := time.FixedZone("JST", 9*3600)
			local := time.Date(2026, 10, 19, 0, 0, 0, 0, tokyo)
			So(reconcile.WeekIndex(local, reconcile.RuleEpochWeek), ShouldEqual, reconcile.WeekIndex(weekEven, reconcile.RuleEpochWeek))
		})

		Convey("When parsing rule names", func() {
			rule, err := reconcile.ParsePickerRule("")
			So(err, ShouldBeNil)
			So(rule, ShouldEqual, reconcile.RuleEpochWeek)

			rule, err = reconcile.ParsePickerRule("iso_week")
			So(err, ShouldBeNil)
			So(rule, ShouldEqual, reconcile.RuleISOWeek)

			_, err = reconcile.ParsePickerRule("creation_order")
			So(errors.Is(err, reconcile.ErrUnknownPickerRule), ShouldBeTrue)
		})
	})
}

func TestMutualCandidates(t *testing.T) {
	Convey("Given rankings that share only some titles", t, func() {
		props := proposals("Picnic", "Board games", "Stargazing", "Cook together", "Museum")
		one := ranks("Museum", "Picnic", "Stargazing")
		two := ranks("Picnic", "Board games", "Cook together")

		Convey("Then only titles ranked by both are candidates", func() {
			cands := reconcile.MutualCandidates(props, one, two)
			So(len(cands), ShouldEqual, 1)
			So(cands[0].Proposal.Title, ShouldEqual, "Picnic")
			So(cands[0].RankOne, ShouldEqual, 2)
			So(cands[0].RankTwo, ShouldEqual, 1)
			So(cands[0].Combined(), ShouldEqual, 3)
		})

		Convey("Then a title ranked first by only one partner never wins", func() {
			out := reconcile.NewEngine().Compute(reconcile.Input{
				WeekStart:   weekEven,
				Proposals:   props,
				Preferences: map[model.PartnerSlot][]model.RitualPreference{model.PartnerOne: one, model.PartnerTwo: two},
				Availability: map[model.PartnerSlot][]model.AvailabilitySlot{
					model.PartnerOne: {slot(5, model.Evening)},
					model.PartnerTwo: {slot(5, model.Evening)},
				},
			})
			So(out.State, ShouldEqual, reconcile.Agreed)
			So(out.Ritual.Proposal.Title, ShouldEqual, "Picnic")
			So(out.Ritual.Proposal.Title, ShouldNotEqual, "Museum")
		})
	})
}

func TestSelectRitual(t *testing.T) {
	Convey("Given two candidates with equal combined rank", t, func() {
		cands := []reconcile.Candidate{
			{Proposal: model.Proposal{Title: "Picnic"}, RankOne: 1, RankTwo: 2},
			{Proposal: model.Proposal{Title: "Stargazing"}, RankOne: 2, RankTwo: 1},
		}

		Convey("When partner one picks", func() {
			best, ok := reconcile.SelectRitual(cands, model.PartnerOne)
			So(ok, ShouldBeTrue)
			So(best.Proposal.Title, ShouldEqual, "Picnic")
		})

		Convey("When partner two picks", func() {
			best, ok := reconcile.SelectRitual(cands, model.PartnerTwo)
			So(ok, ShouldBeTrue)
			So(best.Proposal.Title, ShouldEqual, "Stargazing")
		})

		Convey("When the candidate order is reversed the result is the same", func() {
			reversed := []reconcile.Candidate{cands[1], cands[0]}
			for i := 0; i < 5; i++ {
				best, _ := reconcile.SelectRitual(reversed, model.PartnerOne)
				So(best.Proposal.Title, ShouldEqual, "Picnic")
			}
		})

		Convey("When a lower sum exists it wins regardless of picker", func() {
			cands = append(cands, reconcile.Candidate{Proposal: model.Proposal{Title: "Museum"}, RankOne: 1, RankTwo: 1})
			best, _ := reconcile.SelectRitual(cands, model.PartnerTwo)
			So(best.Proposal.Title, ShouldEqual, "Museum")
		})

		Convey("When there are no candidates", func() {
			_, ok := reconcile.SelectRitual(nil, model.PartnerOne)
			So(ok, ShouldBeFalse)
		})
	})
}

func TestOverlap(t *testing.T) {
	Convey("Given two availability sets", t, func() {
		Convey("When they share no exact tuple", func() {
			got := reconcile.Overlap(
				[]model.AvailabilitySlot{slot(0, model.Morning)},
				[]model.AvailabilitySlot{slot(0, model.Evening)},
			)
			So(got, ShouldBeEmpty)
		})

		Convey("When they share several tuples", func() {
			got := reconcile.Overlap(
				[]model.AvailabilitySlot{slot(4, model.Evening), slot(2, model.Evening), slot(2, model.Morning), slot(6, model.Afternoon)},
				[]model.AvailabilitySlot{slot(2, model.Evening), slot(4, model.Evening), slot(2, model.Morning), slot(2, model.Morning)},
			)
			So(got, ShouldResemble, []model.AvailabilitySlot{
				slot(2, model.Morning), slot(2, model.Evening), slot(4, model.Evening),
			})
		})
	})
}

func TestEngineCompute(t *testing.T) {
	Convey("Given a reconciliation engine", t, func() {
		engine := reconcile.NewEngine()
		props := proposals("Picnic", "Board games", "Stargazing", "Cook together")
		in := reconcile.Input{
			WeekStart:    weekEven,
			Proposals:    props,
			Preferences:  map[model.PartnerSlot][]model.RitualPreference{},
			Availability: map[model.PartnerSlot][]model.AvailabilitySlot{},
		}

		Convey("When only one partner ranked", func() {
			in.Preferences[model.PartnerOne] = ranks("Picnic")
			So(engine.Compute(in).State, ShouldEqual, reconcile.AwaitingRankings)
		})

		Convey("When both ranked but availability is missing", func() {
			in.Preferences[model.PartnerOne] = ranks("Picnic")
			in.Preferences[model.PartnerTwo] = ranks("Picnic")
			in.Availability[model.PartnerOne] = []model.AvailabilitySlot{slot(0, model.Morning)}
			So(engine.Compute(in).State, ShouldEqual, reconcile.AwaitingAvailabilityOverlap)
		})

		Convey("When availability does not overlap", func() {
			in.Preferences[model.PartnerOne] = ranks("Picnic")
			in.Preferences[model.PartnerTwo] = ranks("Picnic")
			in.Availability[model.PartnerOne] = []model.AvailabilitySlot{slot(0, model.Morning)}
			in.Availability[model.PartnerTwo] = []model.AvailabilitySlot{slot(0, model.Evening)}
			out := engine.Compute(in)
			So(out.State, ShouldEqual, reconcile.NoOverlap)
			So(out.State.Conflict(), ShouldBeTrue)
			So(out.Agreement(weekEven, time.Now()), ShouldBeNil)
		})

		Convey("When no title is ranked by both", func() {
			in.Preferences[model.PartnerOne] = ranks("Picnic")
			in.Preferences[model.PartnerTwo] = ranks("Stargazing")
			in.Availability[model.PartnerOne] = []model.AvailabilitySlot{slot(0, model.Morning)}
			in.Availability[model.PartnerTwo] = []model.AvailabilitySlot{slot(0, model.Morning)}
			So(engine.Compute(in).State, ShouldEqual, reconcile.NoMutualRitual)
		})

		Convey("When everything lines up", func() {
			in.Preferences[model.PartnerOne] = ranks("Stargazing", "Picnic", "Board games")
			in.Preferences[model.PartnerTwo] = ranks("Picnic", "Stargazing", "Cook together")
			in.Availability[model.PartnerOne] = []model.AvailabilitySlot{slot(3, model.Evening), slot(1, model.Evening)}
			in.Availability[model.PartnerTwo] = []model.AvailabilitySlot{slot(1, model.Evening), slot(3, model.Evening)}
			out := engine.Compute(in)

			Convey("Then the picker breaks the tie and the earliest slot wins", func() {
				So(out.State, ShouldEqual, reconcile.Agreed)
				So(out.Picker, ShouldEqual, model.PartnerOne)
				So(out.Ritual.Proposal.Title, ShouldEqual, "Stargazing")
				So(out.Slot, ShouldResemble, slot(1, model.Evening))

				agreement := out.Agreement(weekEven, weekEven)
				So(agreement.Date, ShouldEqual, "2026-10-20")
				So(agreement.TimeBand, ShouldEqual, model.Evening)
			})

			Convey("Then repeated runs agree", func() {
				again := engine.Compute(in)
				So(again.Ritual.Proposal.Title, ShouldEqual, out.Ritual.Proposal.Title)
				So(again.Slot, ShouldResemble, out.Slot)
			})

			Convey("Then the next week's picker flips the tie", func() {
				in.WeekStart = weekOdd
				So(engine.Compute(in).Ritual.Proposal.Title, ShouldEqual, "Picnic")
			})

			Convey("Then the ISO rule uses its own parity", func() {
				iso := reconcile.NewEngine(reconcile.WithPickerRule(reconcile.RuleISOWeek))
				So(iso.Rule(), ShouldEqual, reconcile.RuleISOWeek)
				So(iso.Compute(in).Ritual.Proposal.Title, ShouldEqual, "Picnic")
			})
		})
	})
}

func TestValidation(t *testing.T) {
	Convey("Given proposals to rank", t, func() {
		props := proposals("Picnic", "Board games", "Stargazing", "Cook together")

		Convey("When rankings are well formed", func() {
			So(reconcile.ValidateRankings(ranks("Picnic", "Stargazing"), props), ShouldBeNil)
		})

		Convey("When rankings are malformed", func() {
			cases := [][]model.RitualPreference{
				nil,
				ranks("Picnic", "Board games", "Stargazing", "Cook together"),
				{{Rank: 1, Title: "Picnic"}, {Rank: 1, Title: "Stargazing"}},
				{{Rank: 1, Title: "Picnic"}, {Rank: 2, Title: "Picnic"}},
				{{Rank: 4, Title: "Picnic"}},
				{{Rank: 1, Title: "Skydiving"}},
			}
			for _, c := range cases {
				So(errors.Is(reconcile.ValidateRankings(c, props), reconcile.ErrInvalidRankings), ShouldBeTrue)
			}
		})

		Convey("When normalizing availability", func() {
			got, err := reconcile.NormalizeAvailability([]model.AvailabilitySlot{slot(1, model.Morning), slot(1, model.Morning)})
			So(err, ShouldBeNil)
			So(len(got), ShouldEqual, 1)

			_, err = reconcile.NormalizeAvailability(nil)
			So(errors.Is(err, reconcile.ErrInvalidAvailability), ShouldBeTrue)

			_, err = reconcile.NormalizeAvailability([]model.AvailabilitySlot{slot(9, model.Morning)})
			So(errors.Is(err, reconcile.ErrInvalidAvailability), ShouldBeTrue)
		})

		Convey("When refining the hour", func() {
			So(reconcile.ValidateHour(model.Evening, 19), ShouldBeNil)
			So(errors.Is(reconcile.ValidateHour(model.Evening, 10), reconcile.ErrInvalidHour), ShouldBeTrue)
		})
	})
}

func TestScenario(t *testing.T) {
	Convey("Given five proposals and three rankings each with one shared title", t, func() {
		props := proposals("Candlelit dinner", "Deep-talk walk", "Climbing gym", "Night hike", "Bookshop date")
		in := reconcile.Input{
			WeekStart: weekOdd,
			Proposals: props,
			Preferences: map[model.PartnerSlot][]model.RitualPreference{
				model.PartnerOne: ranks("Candlelit dinner", "Night hike", "Bookshop date"),
				model.PartnerTwo: ranks("Night hike", "Climbing gym", "Deep-talk walk"),
			},
			Availability: map[model.PartnerSlot][]model.AvailabilitySlot{
				model.PartnerOne: {slot(5, model.Evening), slot(6, model.Afternoon)},
				model.PartnerTwo: {slot(6, model.Afternoon)},
			},
		}

		Convey("Then the title ranked 2 and 1 is selected", func() {
			out := reconcile.NewEngine().Compute(in)
			So(out.State, ShouldEqual, reconcile.Agreed)
			So(out.Ritual.Proposal.Title, ShouldEqual, "Night hike")
			So(out.Ritual.Combined(), ShouldEqual, 3)
			So(out.Slot, ShouldResemble, slot(6, model.Afternoon))
		})
	})
}
