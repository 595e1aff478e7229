// Package exchange answers one question per iteration: is the trading
// venue open right now. The answer comes from the broker's trading
// schedule, not a local calendar, so holidays and shortened sessions
// are always current.
package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tbalancer/internal/clients/tinvest"
	"tbalancer/internal/config"
)

// State of the trading venue.
type State int

const (
	// StateUnknown means the schedule could not be fetched. Callers
	// treat unknown as closed.
	StateUnknown State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SchedulesAPI is the slice of the broker client the oracle needs.
type SchedulesAPI interface {
	GetTradingSchedules(ctx context.Context, exchange string, from, to time.Time) ([]tinvest.TradingSchedule, error)
}

// Oracle reports whether an exchange is open for trading.
type Oracle struct {
	api      SchedulesAPI
	exchange string
	now      func() time.Time
	log      zerolog.Logger
}

// NewOracle creates an oracle for one exchange (e.g. "MOEX").
func NewOracle(api SchedulesAPI, exchange string, log zerolog.Logger) *Oracle {
	return &Oracle{
		api:      api,
		exchange: exchange,
		now:      time.Now,
		log:      log.With().Str("component", "exchange_oracle").Logger(),
	}
}

// State queries the broker schedule and reports the venue state at the
// current moment. A failed schedule call yields StateUnknown.
func (o *Oracle) State(ctx context.Context) State {
	now := o.now()
	schedules, err := o.api.GetTradingSchedules(ctx, o.exchange, now, now.Add(24*time.Hour))
	if err != nil {
		o.log.Warn().Err(err).Str("exchange", o.exchange).Msg("Failed to fetch trading schedule")
		return StateUnknown
	}

	for _, sched := range schedules {
		if sched.Exchange != o.exchange {
			continue
		}
		return stateAt(sched.Days, now)
	}

	o.log.Warn().Str("exchange", o.exchange).Msg("Exchange missing from schedule response")
	return StateUnknown
}

// stateAt evaluates the schedule at a given instant. The venue is open
// when today is a trading day and start <= now < end.
func stateAt(days []tinvest.TradingDay, now time.Time) State {
	for _, day := range days {
		y1, m1, d1 := day.Date.UTC().Date()
		y2, m2, d2 := now.UTC().Date()
		if y1 != y2 || m1 != m2 || d1 != d2 {
			continue
		}
		if !day.IsTradingDay {
			return StateClosed
		}
		if !now.Before(day.StartTime) && now.Before(day.EndTime) {
			return StateOpen
		}
		return StateClosed
	}
	return StateUnknown
}

// Decision is what an iteration is allowed to do given the venue state.
type Decision struct {
	Compute     bool
	PlaceOrders bool
}

// Decide applies the account's closure behavior to the venue state.
// An open venue always computes and trades. Unknown counts as closed.
func Decide(state State, behavior config.ClosureBehavior) Decision {
	if state == StateOpen {
		return Decision{Compute: true, PlaceOrders: true}
	}

	switch behavior.Mode {
	case config.ClosureUpdateIterationResult:
		return Decision{Compute: true, PlaceOrders: false}
	case config.ClosureForceOrders:
		return Decision{Compute: true, PlaceOrders: true}
	}
	// skip_iteration and anything unrecognized
	return Decision{}
}
