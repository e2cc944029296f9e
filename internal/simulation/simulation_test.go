package simulation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/ritual/internal/adapters/http/api"
	service "github.com/okian/ritual/internal/app"
	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/types"
	"github.com/okian/ritual/internal/generation"
)

const testSecret = "simulation-secret"

// brokenProvider answers every prompt with text that is not JSON.
type brokenProvider struct{}

func (brokenProvider) Name() string { return "broken" }

func (brokenProvider) Generate(context.Context, generation.Prompt) (generation.Response, error) {
	return generation.Response{Content: "no proposals today"}, nil
}

func startService(provider generation.Provider) (*httptest.Server, func()) {
	svc := service.New(
		service.WithProvider(provider),
		service.WithWorkerCount(2),
		service.WithMaxAttempts(2),
		service.WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
	)
	So(svc.Start(context.Background()), ShouldBeNil)
	mux := http.NewServeMux()
	api.NewServer(svc, svc, api.WithAuthSecret(testSecret), api.WithHeartbeat(50*time.Millisecond)).Register(context.Background(), mux)
	srv := httptest.NewServer(mux)
	return srv, func() {
		srv.Close()
		svc.Stop()
	}
}

func testConfig(url string) *Config {
	return &Config{
		BaseURL:      url,
		Secret:       testSecret,
		PartnerOne:   "ana",
		PartnerTwo:   "ben",
		Location:     "Lisbon",
		Timeout:      10 * time.Second,
		PollInterval: 50 * time.Millisecond,
		Rating:       5,
	}
}

func TestRun(t *testing.T) {
	Convey("Given a running service with the simulated provider", t, func() {
		srv, stop := startService(generation.NewSimulatedProvider(
			generation.WithLatencyRange(5*time.Millisecond, 10*time.Millisecond)))
		defer stop()

		Convey("When a full week is simulated", func() {
			report, err := Run(context.Background(), testConfig(srv.URL))

			Convey("Then the couple agrees, pins an hour and completes", func() {
				So(err, ShouldBeNil)
				So(report.CycleID, ShouldNotBeEmpty)
				So(report.Proposals, ShouldNotBeEmpty)
				So(report.Ritual, ShouldBeIn, report.Proposals)
				So(report.Band, ShouldEqual, model.Afternoon)
				So(report.Band.Contains(report.Hour), ShouldBeTrue)
				So(report.Completed, ShouldBeTrue)
				So(report.Conflict, ShouldBeEmpty)
			})

			Convey("Then a second run in the same week is refused", func() {
				So(err, ShouldBeNil)
				cfg := testConfig(srv.URL)
				cfg.PartnerOne, cfg.PartnerTwo = "ana-2", "ben-2"
				_, err := Run(context.Background(), cfg)
				So(err, ShouldBeNil)

				_, err = Run(context.Background(), testConfig(srv.URL))
				So(err, ShouldNotBeNil)
			})
		})
	})

	Convey("Given a provider that always fails", t, func() {
		srv, stop := startService(brokenProvider{})
		defer stop()

		Convey("Then the run reports the generation failure", func() {
			_, err := Run(context.Background(), testConfig(srv.URL))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "proposals")
		})
	})

	Convey("Given a service that is down", t, func() {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		Convey("Then the health check fails first", func() {
			_, err := Run(context.Background(), testConfig(srv.URL))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "health check")
		})
	})
}

func TestValidate(t *testing.T) {
	Convey("Given simulation configs", t, func() {
		base := testConfig("http://localhost:9080")

		Convey("A complete config is valid", func() {
			So(validate(base), ShouldBeNil)
		})

		Convey("Missing or conflicting fields are rejected", func() {
			cases := []func(*Config){
				func(c *Config) { c.BaseURL = " " },
				func(c *Config) { c.Secret = "" },
				func(c *Config) { c.PartnerTwo = c.PartnerOne },
				func(c *Config) { c.PartnerOne = "" },
				func(c *Config) { c.Rating = 6 },
			}
			for _, mutate := range cases {
				cfg := *base
				mutate(&cfg)
				So(errors.Is(validate(&cfg), ErrInvalidConfig), ShouldBeTrue)
			}
			So(errors.Is(validate(nil), ErrInvalidConfig), ShouldBeTrue)
		})
	})
}

func TestVerification(t *testing.T) {
	Convey("Given partners ranking three titles in opposite orders", t, func() {
		titles := []string{"Picnic", "Museum", "Cooking"}
		one := &partner{slot: model.PartnerOne}
		two := &partner{slot: model.PartnerTwo}

		So(one.rankings(titles), ShouldResemble, titles)
		So(two.rankings(titles), ShouldResemble, []string{"Cooking", "Museum", "Picnic"})
		So(one.rankings(append(titles, "Hike")), ShouldHaveLength, 3)

		Convey("The earliest shared slot is in both availabilities", func() {
			So(one.availability(), ShouldContain, earliestShared)
			So(two.availability(), ShouldContain, earliestShared)
		})

		Convey("An agreement on the picker's first choice passes", func() {
			res := types.AgreementResponse{
				Picker:  model.PartnerTwo,
				Overlap: []model.AvailabilitySlot{earliestShared},
				Cycle: types.CycleView{Agreement: &model.Agreement{
					Ritual:    model.Proposal{Title: "Cooking"},
					DayOffset: earliestShared.DayOffset,
					TimeBand:  earliestShared.TimeBand,
				}},
			}
			So(verifyAgreement(res, two.rankings(titles)), ShouldBeNil)

			Convey("Any other ritual fails", func() {
				So(errors.Is(verifyAgreement(res, one.rankings(titles)), ErrVerification), ShouldBeTrue)
			})
		})

		Convey("Different proposal lists fail", func() {
			a := types.CycleView{Proposals: []model.Proposal{{Title: "Picnic"}}}
			b := types.CycleView{Proposals: []model.Proposal{{Title: "Museum"}}}
			So(errors.Is(verifySharedProposals(a, b), ErrVerification), ShouldBeTrue)
			So(verifySharedProposals(a, a), ShouldBeNil)
		})

		Convey("A completion missing from history fails", func() {
			done := model.Completion{CycleID: "c1", Title: "Picnic"}
			So(verifyHistory(types.HistoryResponse{Completions: []model.Completion{done}}, done, "Picnic"), ShouldBeNil)
			So(errors.Is(verifyHistory(types.HistoryResponse{}, done, "Picnic"), ErrVerification), ShouldBeTrue)
		})
	})
}
