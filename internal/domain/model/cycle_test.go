package model_test

import (
	"testing"
	"time"

	model "github.com/okian/ritual/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestCycleStatus(t *testing.T) {
	convey.Convey("Given a weekly cycle", t, func() {
		now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
		c := &model.WeeklyCycle{ID: "c1", CoupleID: "k1", WeekStart: now}
		input := &model.PartnerInput{Moods: []string{"cozy"}, SubmittedAt: now}

		convey.Convey("When nothing was submitted", func() {
			convey.So(c.Status(), convey.ShouldEqual, model.StatusEmpty)
		})

		convey.Convey("When only partner two submitted", func() {
			c.PartnerTwoInput = input
			convey.So(c.Status(), convey.ShouldEqual, model.StatusOneSubmitted)
			convey.So(c.BothSubmitted(), convey.ShouldBeFalse)
		})

		convey.Convey("When both submitted", func() {
			c.PartnerOneInput = input
			c.PartnerTwoInput = input
			convey.So(c.Status(), convey.ShouldEqual, model.StatusBothSubmitted)

			convey.Convey("And a claim is in flight", func() {
				c.Claim = &model.GenerationClaim{Token: "t", ClaimedAt: now}
				convey.So(c.Status(), convey.ShouldEqual, model.StatusGenerating)
			})

			convey.Convey("And the last generation failed", func() {
				c.Failure = &model.GenerationFailure{Code: "rate_limited", At: now}
				convey.So(c.Status(), convey.ShouldEqual, model.StatusGenerationFailed)
				convey.So(c.Status().Terminal(), convey.ShouldBeTrue)
			})

			convey.Convey("And the last generation failed with a retry scheduled", func() {
				retryAt := now.Add(time.Second)
				c.Failure = &model.GenerationFailure{Code: "unavailable", At: now, RetryAt: &retryAt}
				convey.So(c.Failure.RetryPending(), convey.ShouldBeTrue)
				convey.So(c.Status(), convey.ShouldEqual, model.StatusGenerating)
				convey.So(c.Status().Terminal(), convey.ShouldBeFalse)

				clone := c.Clone()
				*clone.Failure.RetryAt = now.Add(time.Hour)
				convey.So(*c.Failure.RetryAt, convey.ShouldEqual, retryAt)
			})

			convey.Convey("And proposals exist", func() {
				c.SynthesizedOutput = []model.Proposal{{Title: "Picnic"}}
				convey.So(c.Status(), convey.ShouldEqual, model.StatusProposalsReady)

				c.Preferences = map[model.PartnerSlot][]model.RitualPreference{
					model.PartnerOne: {{Rank: 1, Title: "Picnic"}},
				}
				convey.So(c.Status(), convey.ShouldEqual, model.StatusRanking)

				c.Conflict = "no_overlap"
				convey.So(c.Status(), convey.ShouldEqual, model.StatusNoOverlap)

				c.Agreement = &model.Agreement{Ritual: model.Proposal{Title: "Picnic"}}
				convey.So(c.Status(), convey.ShouldEqual, model.StatusAgreed)
			})
		})

		convey.Convey("When the cycle is cloned", func() {
			hour := 18
			c.PartnerOneInput = &model.PartnerInput{Moods: []string{"cozy"}}
			c.SynthesizedOutput = []model.Proposal{{Title: "Picnic"}}
			c.Agreement = &model.Agreement{Hour: &hour}
			clone := c.Clone()
			clone.PartnerOneInput.Moods[0] = "changed"
			clone.SynthesizedOutput[0].Title = "changed"
			*clone.Agreement.Hour = 20

			convey.Convey("Then the original is untouched", func() {
				convey.So(c.PartnerOneInput.Moods[0], convey.ShouldEqual, "cozy")
				convey.So(c.SynthesizedOutput[0].Title, convey.ShouldEqual, "Picnic")
				convey.So(*c.Agreement.Hour, convey.ShouldEqual, 18)
			})
		})
	})
}

func TestCoupleSlotFor(t *testing.T) {
	convey.Convey("Given a couple", t, func() {
		c := &model.Couple{ID: "k1", PartnerOneID: "alice", PartnerTwoID: "bob"}

		convey.Convey("Then slots resolve from identity", func() {
			slot, err := c.SlotFor("alice")
			convey.So(err, convey.ShouldBeNil)
			convey.So(slot, convey.ShouldEqual, model.PartnerOne)

			slot, err = c.SlotFor("bob")
			convey.So(err, convey.ShouldBeNil)
			convey.So(slot, convey.ShouldEqual, model.PartnerTwo)
			convey.So(slot.Other(), convey.ShouldEqual, model.PartnerOne)
		})

		convey.Convey("Then strangers are rejected", func() {
			_, err := c.SlotFor("mallory")
			convey.So(err, convey.ShouldEqual, model.ErrNotPartner)
			_, err = c.SlotFor("")
			convey.So(err, convey.ShouldEqual, model.ErrNotPartner)
		})
	})
}

func TestAvailability(t *testing.T) {
	convey.Convey("Given availability helpers", t, func() {
		convey.Convey("When computing the week start", func() {
			sunday := time.Date(2026, 10, 25, 23, 0, 0, 0, time.UTC)
			monday := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
			convey.So(model.WeekStartOf(sunday, time.UTC), convey.ShouldEqual, monday)
			convey.So(model.WeekStartOf(monday, nil), convey.ShouldEqual, monday)
			convey.So(model.DateFor(monday, 2), convey.ShouldEqual, "2026-10-21")
		})

		convey.Convey("When checking bands", func() {
			convey.So(model.Evening.Contains(19), convey.ShouldBeTrue)
			convey.So(model.Evening.Contains(9), convey.ShouldBeFalse)
			convey.So(model.TimeBand("night").Valid(), convey.ShouldBeFalse)
			convey.So(model.Morning.Order(), convey.ShouldBeLessThan, model.Evening.Order())
		})

		convey.Convey("When validating slots", func() {
			convey.So(model.AvailabilitySlot{DayOffset: 0, TimeBand: model.Morning}.Validate(), convey.ShouldBeNil)
			convey.So(model.AvailabilitySlot{DayOffset: 7, TimeBand: model.Morning}.Validate(), convey.ShouldNotBeNil)
			convey.So(model.AvailabilitySlot{DayOffset: 1, TimeBand: "noon"}.Validate(), convey.ShouldNotBeNil)
		})
	})
}
