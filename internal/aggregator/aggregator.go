// Package aggregator fans quote requests out to every venue on a network,
// ranks the answers, and executes swaps with a best-venue-first cascade.
//
// Quoting is memoized: identical (network, pair, amount) requests within
// the quote TTL are answered from the cache without touching any venue.
// Execution never reads the cache; it re-quotes, bounds the acceptable
// output with the configured slippage, and walks venues in ranking order,
// carrying any unfilled remainder to the next venue. A cascade that runs
// out of venues with input still unfilled fails the whole swap: the
// caller either gets at least the slippage-bounded output or an error.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/GoYakushev/notlike/internal/cache"
	"github.com/GoYakushev/notlike/pkg/types"
)

// Sentinel outcomes. Both are surfaced to the order engine, which maps
// them onto the order's terminal error.
var (
	ErrNoQuote           = errors.New("no venue produced a quote")
	ErrAllVenuesFailed   = errors.New("all venues failed to execute")
	ErrUnfilledRemainder = errors.New("no venue could fill the remainder within slippage")
)

const fanOutTimeout = 30 * time.Second

// VenueClient is the slice of the venue client the aggregator uses.
type VenueClient interface {
	Name() string
	Quote(ctx context.Context, fromToken, toToken, amount string) (*types.Quote, error)
	Swap(ctx context.Context, fromToken, toToken, amount, minOutput string) (*types.SwapResult, error)
}

// MarketRecorder persists winning quotes for history. Best effort.
type MarketRecorder interface {
	RecordMarketData(ctx context.Context, q *types.Quote, fromToken, toToken string) error
}

// SwapObserver receives one observation per venue attempt. Satisfied by
// telemetry.Metrics.
type SwapObserver interface {
	ObserveSwap(venue, network, pair string, duration time.Duration, inputVolume float64, errType string)
}

// Aggregator routes one network's quote and swap traffic.
type Aggregator struct {
	network  types.Network
	venues   []VenueClient
	cache    cache.Store
	stats    *Stats
	recorder MarketRecorder // may be nil
	observer SwapObserver   // may be nil
	logger   *slog.Logger

	quoteTTL    time.Duration
	slippageBps int
}

// New wires an aggregator for one network. venues must be non-empty.
func New(network types.Network, venues []VenueClient, store cache.Store, stats *Stats,
	recorder MarketRecorder, observer SwapObserver, quoteTTL time.Duration, slippageBps int,
	logger *slog.Logger) *Aggregator {
	return &Aggregator{
		network:     network,
		venues:      venues,
		cache:       store,
		stats:       stats,
		recorder:    recorder,
		observer:    observer,
		quoteTTL:    quoteTTL,
		slippageBps: slippageBps,
		logger:      logger.With("component", "aggregator", "network", string(network)),
	}
}

// Network returns the chain this aggregator routes for.
func (a *Aggregator) Network() types.Network { return a.network }

// Stats exposes the venue ranking, for the ops API.
func (a *Aggregator) Stats() *Stats { return a.stats }

func quoteKey(network types.Network, from, to string, amount decimal.Decimal) string {
	return fmt.Sprintf("quote:%s:%s:%s:%s", network, from, to, amount.String())
}

// BestPrice returns the venue quote with the highest output for the given
// input amount. Ties break by venue score descending, then name ascending.
// A cached winner within the TTL short-circuits the fan-out entirely.
func (a *Aggregator) BestPrice(ctx context.Context, fromToken, toToken string, amount decimal.Decimal) (*types.Quote, error) {
	if amount.Sign() <= 0 {
		return nil, types.Validationf("quote amount must be positive, got %s", amount)
	}

	key := quoteKey(a.network, fromToken, toToken, amount)
	var cached types.Quote
	switch err := a.cache.Get(ctx, key, &cached); {
	case err == nil:
		return &cached, nil
	case types.KindOf(err) != types.KindNotFound:
		a.logger.Warn("quote cache read failed", "key", key, "error", err)
	}

	fanCtx, cancel := context.WithTimeout(ctx, fanOutTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		quotes []*types.Quote
		errs   []error
	)
	g, fanCtx := errgroup.WithContext(fanCtx)
	for _, v := range a.venues {
		g.Go(func() error {
			q, err := v.Quote(fanCtx, fromToken, toToken, amount.String())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", v.Name(), err))
				return nil
			}
			quotes = append(quotes, q)
			return nil
		})
	}
	_ = g.Wait() // goroutines only report via quotes/errs

	if len(quotes) == 0 {
		return nil, errors.Join(append([]error{
			fmt.Errorf("%w for %s/%s on %s", ErrNoQuote, fromToken, toToken, a.network),
		}, errs...)...)
	}

	best := a.pickBest(quotes)

	if err := a.cache.SetWithTTL(ctx, key, best, a.quoteTTL); err != nil {
		a.logger.Warn("quote cache write failed", "key", key, "error", err)
	}
	if a.recorder != nil {
		if err := a.recorder.RecordMarketData(ctx, best, fromToken, toToken); err != nil {
			a.logger.Warn("market data record failed", "error", err)
		}
	}
	return best, nil
}

// pickBest orders quotes by output descending, score descending, name
// ascending, and returns the head.
func (a *Aggregator) pickBest(quotes []*types.Quote) *types.Quote {
	sort.Slice(quotes, func(i, j int) bool {
		if !quotes[i].OutputAmount.Equal(quotes[j].OutputAmount) {
			return quotes[i].OutputAmount.GreaterThan(quotes[j].OutputAmount)
		}
		si, sj := a.stats.Score(quotes[i].Venue), a.stats.Score(quotes[j].Venue)
		if si != sj {
			return si > sj
		}
		return quotes[i].Venue < quotes[j].Venue
	})
	return quotes[0]
}

// ExecuteSwap swaps amount of fromToken into toToken. The best quote sets
// the expected rate; the slippage bound derives the minimum acceptable
// output. Venues are tried winner first, then by score; a partial fill
// carries its remainder (in input units) to the next venue, and the
// merged result reports the summed output with PartialExecution set.
func (a *Aggregator) ExecuteSwap(ctx context.Context, fromToken, toToken string, amount decimal.Decimal) (*types.SwapResult, error) {
	quote, err := a.BestPrice(ctx, fromToken, toToken, amount)
	if err != nil {
		return nil, err
	}
	// Output expected per input unit, from the winning quote.
	rate := quote.OutputAmount.Div(quote.InputAmount)
	slip := decimal.NewFromInt(int64(10000 - a.slippageBps)).Div(decimal.NewFromInt(10000))

	order := a.executionOrder(quote.Venue)
	pair := fromToken + "/" + toToken

	var (
		result    *types.SwapResult
		remaining = amount
		attempts  []error
	)
	for _, v := range order {
		if remaining.Sign() <= 0 {
			break
		}
		expected := remaining.Mul(rate)
		minOut := expected.Mul(slip)

		start := time.Now()
		res, err := v.Swap(ctx, fromToken, toToken, remaining.String(), minOut.String())
		elapsed := time.Since(start)

		if err != nil {
			a.stats.RecordFailure(v.Name())
			a.observe(v.Name(), pair, elapsed, remaining, types.KindOf(err).String())
			attempts = append(attempts, fmt.Errorf("%s: %w", v.Name(), err))
			a.logger.Warn("venue swap failed", "venue", v.Name(), "pair", pair, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if res.OutputAmount.Sign() <= 0 {
			a.stats.RecordFailure(v.Name())
			a.observe(v.Name(), pair, elapsed, remaining, "empty_fill")
			attempts = append(attempts, fmt.Errorf("%s: empty fill", v.Name()))
			continue
		}

		a.stats.RecordSuccess(v.Name())
		a.observe(v.Name(), pair, elapsed, remaining, "")

		full := res.OutputAmount.GreaterThanOrEqual(minOut)
		filledInput := remaining
		if !full {
			// Venue filled a fraction of the request. The filled share of
			// the input follows the venue's own fill ratio against the
			// expected output; the rest cascades in input units.
			fraction := res.OutputAmount.Div(expected)
			filledInput = remaining.Mul(fraction)
			a.logger.Info("partial fill",
				"venue", v.Name(), "pair", pair,
				"filled_input", filledInput.String(), "output", res.OutputAmount.String())
		}

		if result == nil {
			result = &types.SwapResult{
				Venue:        v.Name(),
				TxHash:       res.TxHash,
				OutputAmount: res.OutputAmount,
			}
		} else {
			result.OutputAmount = result.OutputAmount.Add(res.OutputAmount)
			result.PartialExecution = true
			if result.AdditionalTx == "" {
				result.AdditionalTx = res.TxHash
			} else {
				result.AdditionalTx += "," + res.TxHash
			}
		}

		remaining = remaining.Sub(filledInput)
		if full {
			remaining = decimal.Zero
		} else {
			result.PartialExecution = true
		}
	}

	if result == nil {
		return nil, errors.Join(append([]error{
			fmt.Errorf("%w for %s on %s", ErrAllVenuesFailed, pair, a.network),
		}, attempts...)...)
	}
	if remaining.Sign() > 0 {
		// The cascade ran out of venues with input still unfilled, so the
		// total output is below the slippage bound. Partial fills are only
		// acceptable when the remainder lands somewhere; an under-filled
		// swap is a failure, not a quietly worse price.
		a.logger.Warn("swap left a remainder unfilled",
			"pair", pair, "remaining", remaining.String(),
			"filled_output", result.OutputAmount.String())
		return nil, errors.Join(append([]error{
			fmt.Errorf("%w: %s of %s %s unfilled on %s",
				ErrUnfilledRemainder, remaining, amount, fromToken, a.network),
		}, attempts...)...)
	}
	return result, nil
}

// executionOrder puts the quote winner first and the rest by score
// descending, name ascending.
func (a *Aggregator) executionOrder(winner string) []VenueClient {
	rest := make([]VenueClient, 0, len(a.venues))
	var first VenueClient
	for _, v := range a.venues {
		if v.Name() == winner {
			first = v
			continue
		}
		rest = append(rest, v)
	}
	sort.Slice(rest, func(i, j int) bool {
		si, sj := a.stats.Score(rest[i].Name()), a.stats.Score(rest[j].Name())
		if si != sj {
			return si > sj
		}
		return rest[i].Name() < rest[j].Name()
	})
	if first == nil {
		return rest
	}
	return append([]VenueClient{first}, rest...)
}

func (a *Aggregator) observe(venue, pair string, d time.Duration, volume decimal.Decimal, errType string) {
	if a.observer == nil {
		return
	}
	vol, _ := volume.Float64()
	a.observer.ObserveSwap(venue, string(a.network), pair, d, vol, errType)
}
