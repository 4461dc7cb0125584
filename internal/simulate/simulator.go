// Package simulate generates synthetic login traffic against a running scorer.
package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trust-scorer/internal/features"
	"trust-scorer/internal/model"
	"trust-scorer/internal/util"
)

var ErrInvalidOptions = errors.New("invalid simulation options")

type Options struct {
	Endpoint    string
	Events      int
	Concurrency int
	AnomalyRate float64
	Variant     string
	Seed        uint64
}

func (o Options) validate() error {
	var errs []error
	if o.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if o.Events <= 0 {
		errs = append(errs, fmt.Errorf("events must be positive, got %d", o.Events))
	}
	if o.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", o.Concurrency))
	}
	if o.AnomalyRate < 0 || o.AnomalyRate > 1 {
		errs = append(errs, fmt.Errorf("anomaly rate must be between 0.0 and 1.0, got %v", o.AnomalyRate))
	}
	if _, ok := features.LookupVariant(o.Variant); !ok {
		errs = append(errs, fmt.Errorf("unknown variant %q", o.Variant))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}

// Event is one synthetic login attempt.
type Event struct {
	Anomalous bool
	Payload   map[string]any
}

// Generator draws login events shaped like the training data of a variant.
// It is not safe for concurrent use.
type Generator struct {
	variant string
	faker   *gofakeit.Faker
}

func NewGenerator(variant string, seed uint64) (*Generator, error) {
	if _, ok := features.LookupVariant(variant); !ok {
		return nil, fmt.Errorf("%w: unknown variant %q", ErrInvalidOptions, variant)
	}
	return &Generator{variant: variant, faker: gofakeit.New(seed)}, nil
}

// Next returns a normal or anomalous event.
func (g *Generator) Next(anomalous bool) Event {
	f := g.faker
	p := map[string]any{
		features.FieldUserID:    f.Username(),
		features.FieldSessionID: uuid.NewString(),
		"user_agent":            f.UserAgent(),
	}

	switch g.variant {
	case features.VariantRisk:
		if anomalous {
			p["geo_deviation_km"] = f.Float64Range(1000, 15000)
			p["historical_risk_score"] = f.Float64Range(0.01, 0.4)
			p["login_time_is_abnormal"] = f.RandomInt([]int{1, 1, 1, 0})
			p["device_is_consistent"] = f.RandomInt([]int{0, 0, 1})
		} else {
			p["geo_deviation_km"] = f.Float64Range(0, 40)
			p["historical_risk_score"] = f.Float64Range(0.7, 1.0)
			p["login_time_is_abnormal"] = f.RandomInt([]int{0, 0, 0, 1})
			p["device_is_consistent"] = f.RandomInt([]int{1, 1, 1, 0})
		}
	case features.VariantBehavior:
		if anomalous {
			p["typing_speed"] = f.Float64Range(5, 20)
			p["mouse_movement"] = f.Float64Range(0.8, 1.2)
		} else {
			p["typing_speed"] = f.Float64Range(35, 65)
			p["mouse_movement"] = f.Float64Range(0.2, 0.8)
		}
		p["login_time_diff"] = f.Float64Range(1, 5)
		location := 0
		if f.Float64Range(0, 1) < 0.05 {
			location = 1
		}
		p["location_change"] = location
		p[features.FieldIP] = f.IPv4Address()
	}
	return Event{Anomalous: anomalous, Payload: p}
}

// Tally counts the outcomes of a run. Detected and FalseAlarms compare the
// scorer's verdicts against how each event was generated.
type Tally struct {
	Sent        int
	Legitimate  int
	Suspicious  int
	RateLimited int
	Errors      int
	Detected    int
	FalseAlarms int
	Anomalous   int
}

type Simulator struct {
	client *http.Client
	logger *zap.Logger
}

func New(client *http.Client, logger *zap.Logger) *Simulator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = util.Get()
	}
	return &Simulator{client: client, logger: logger}
}

// Run posts opts.Events events with up to opts.Concurrency in flight and
// returns the tally. Individual request failures are counted, not returned.
func (s *Simulator) Run(ctx context.Context, opts Options) (Tally, error) {
	if err := opts.validate(); err != nil {
		return Tally{}, err
	}
	gen, err := NewGenerator(opts.Variant, opts.Seed)
	if err != nil {
		return Tally{}, err
	}

	events := make([]Event, opts.Events)
	for i := range events {
		events[i] = gen.Next(gen.faker.Float64Range(0, 1) < opts.AnomalyRate)
	}

	var (
		mu    sync.Mutex
		tally Tally
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for i := range events {
		ev := events[i]
		g.Go(func() error {
			status, verdict, err := s.send(gctx, opts.Endpoint, ev.Payload)

			mu.Lock()
			defer mu.Unlock()
			tally.Sent++
			if ev.Anomalous {
				tally.Anomalous++
			}
			switch {
			case err != nil:
				tally.Errors++
				s.logger.Warn("Request failed", util.ErrorField(err))
			case status == http.StatusTooManyRequests:
				tally.RateLimited++
			case status != http.StatusOK:
				tally.Errors++
				s.logger.Warn("Scorer returned an error",
					util.Int("status", status),
					util.String("code", verdict.Error),
					util.String("message", verdict.Message))
			case verdict.Prediction == model.LabelSuspicious:
				tally.Suspicious++
				if ev.Anomalous {
					tally.Detected++
				} else {
					tally.FalseAlarms++
				}
			default:
				tally.Legitimate++
			}
			if err == nil && status == http.StatusOK {
				s.logger.Debug("Event scored",
					util.String("user_id", fmt.Sprint(ev.Payload[features.FieldUserID])),
					util.Bool("anomalous", ev.Anomalous),
					util.String("prediction", string(verdict.Prediction)),
					util.Float64("confidence", deref(verdict.Confidence)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tally, err
	}
	return tally, ctx.Err()
}

func (s *Simulator) send(ctx context.Context, endpoint string, payload map[string]any) (int, model.Verdict, error) {
	var verdict model.Verdict
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, verdict, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, verdict, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, verdict, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return resp.StatusCode, verdict, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, verdict, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
