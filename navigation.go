package flightcache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/always-cache/flight-cache/cache"
	cachekey "github.com/always-cache/flight-cache/pkg/cache-key"
	validator "github.com/always-cache/flight-cache/pkg/cache-validator"

	"github.com/rs/zerolog"
)

// Step is a page of the booking flow.
type Step string

const (
	StepSearch       Step = "search"
	StepDetails      Step = "details"
	StepPayment      Step = "payment"
	StepConfirmation Step = "confirmation"
)

var steps = []Step{StepSearch, StepDetails, StepPayment, StepConfirmation}

// ParseStep returns the step with the given name.
func ParseStep(name string) (Step, error) {
	if step := Step(strings.ToLower(strings.TrimSpace(name))); step.valid() {
		return step, nil
	}
	return "", fmt.Errorf("unknown step %q", name)
}

func (s Step) valid() bool {
	for _, step := range steps {
		if s == step {
			return true
		}
	}
	return false
}

// dependsOn is the step whose state a step is entered from.
func (s Step) dependsOn() (Step, bool) {
	switch s {
	case StepDetails:
		return StepSearch, true
	case StepPayment:
		return StepDetails, true
	}
	return "", false
}

// Params are the parameters a step was entered with.
// Steps after the search may leave Fingerprint empty to inherit the current search.
type Params struct {
	Fingerprint cachekey.Fingerprint `json:"fingerprint"`
	FlightID    string               `json:"flightId,omitempty"`
}

// NavigationState is where the session is in the booking flow.
type NavigationState struct {
	CurrentStep Step            `json:"currentStep,omitempty"`
	LastParams  map[Step]Params `json:"lastParams"`
}

func (st NavigationState) clone() NavigationState {
	c := NavigationState{CurrentStep: st.CurrentStep, LastParams: make(map[Step]Params, len(st.LastParams))}
	for step, params := range st.LastParams {
		c.LastParams[step] = params
	}
	return c
}

// Navigator decides, for the page being entered, whether the upstream call can be replaced
// by a cached response. When in doubt it says no: a refetch costs a round-trip,
// a stale render shows the wrong flight.
type Navigator struct {
	mutex     sync.Mutex
	state     NavigationState
	storage   *Storage
	validator validator.Validator
	log       zerolog.Logger
}

func NewNavigator(storage *Storage) *Navigator {
	return &Navigator{
		state:     NavigationState{LastParams: make(map[Step]Params)},
		storage:   storage,
		validator: validator.New(storage.schemaVersion, storage.clock),
		log:       storage.log.With().Str("component", "navigation").Logger(),
	}
}

// State returns a copy of the current navigation state.
func (n *Navigator) State() NavigationState {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.state.clone()
}

// UpdateNavigationState records that step was entered with params.
// A search with a different fingerprint starts over and forgets all later steps.
// Going back keeps the later steps. Entering the confirmation ends the flow.
func (n *Navigator) UpdateNavigationState(ctx context.Context, step Step, params Params) error {
	if !step.valid() {
		return fmt.Errorf("unknown step %q", step)
	}

	n.mutex.Lock()
	search, searching := n.state.LastParams[StepSearch]
	if params.Fingerprint.IsZero() && step != StepSearch && searching {
		params.Fingerprint = search.Fingerprint
	}
	params.Fingerprint = params.Fingerprint.Normalize()
	params.FlightID = strings.TrimSpace(params.FlightID)

	if searching && !search.Fingerprint.Equal(params.Fingerprint) {
		n.log.Debug().
			Str("step", string(step)).
			Str("previous", cachekey.BuildKey(search.Fingerprint)).
			Str("search", cachekey.BuildKey(params.Fingerprint)).
			Msg("New search, dropping flow state")
		n.state.LastParams = make(map[Step]Params)
	}
	if step != StepSearch {
		if _, ok := n.state.LastParams[StepSearch]; !ok {
			n.state.LastParams[StepSearch] = Params{Fingerprint: params.Fingerprint}
		}
	}
	n.state.LastParams[step] = params
	n.state.CurrentStep = step

	if step != StepConfirmation {
		n.mutex.Unlock()
		return nil
	}
	n.state = NavigationState{CurrentStep: StepConfirmation, LastParams: make(map[Step]Params)}
	n.mutex.Unlock()

	n.log.Debug().Msg("Flow completed, clearing session")
	if err := n.storage.ClearSession(ctx); err != nil {
		n.log.Warn().Err(err).Msg("Could not clear session tier")
	}
	return nil
}

// ShouldSkipAPICall reports whether the page for step can be rendered from cache.
// It requires that the session entered step (or the step before it) with the same search and flight,
// and that a valid cached response exists. Confirmations are never served from cache.
func (n *Navigator) ShouldSkipAPICall(ctx context.Context, step Step, params Params) bool {
	if !step.valid() || step == StepConfirmation {
		return false
	}
	state := n.State()

	search, ok := state.LastParams[StepSearch]
	if !ok {
		return false
	}
	fp := params.Fingerprint
	if fp.IsZero() {
		fp = search.Fingerprint
	}
	if !fp.Equal(search.Fingerprint) {
		return false
	}

	recorded, ok := state.LastParams[step]
	if !ok {
		if dep, hasDep := step.dependsOn(); hasDep {
			recorded, ok = state.LastParams[dep]
		}
	}
	if !ok || !recorded.Fingerprint.Equal(fp) {
		return false
	}
	flightID := strings.TrimSpace(params.FlightID)
	if recorded.FlightID != "" && recorded.FlightID != flightID {
		return false
	}

	var res validator.Result
	if step == StepSearch {
		res, _ = n.ValidateFlightSearchCache(ctx, fp)
	} else {
		if flightID == "" {
			return false
		}
		res, _ = n.validatePrice(ctx, flightID, fp)
	}
	n.log.Trace().Str("step", string(step)).Str("result", res.String()).Msg("Skip decision")
	return res.IsValid
}

// ValidateFlightSearchCache returns the cached search result set of fp if it may be used.
func (n *Navigator) ValidateFlightSearchCache(ctx context.Context, fp cachekey.Fingerprint) (validator.Result, *cache.Entry) {
	lookup, err := n.storage.GetFlightSearch(ctx, fp)
	if err != nil {
		return validator.Result{Reason: validator.ReasonNotFound}, nil
	}
	return n.validate(&lookup, cache.KindSearch, fp)
}

// ValidateFlightPriceCache returns the cached priced offer of a flight of the current search
// if it may be used.
func (n *Navigator) ValidateFlightPriceCache(ctx context.Context, flightID string) (validator.Result, *cache.Entry) {
	search, ok := n.State().LastParams[StepSearch]
	if !ok {
		return validator.Result{Reason: validator.ReasonNotFound}, nil
	}
	return n.validatePrice(ctx, strings.TrimSpace(flightID), search.Fingerprint)
}

func (n *Navigator) validatePrice(ctx context.Context, flightID string, fp cachekey.Fingerprint) (validator.Result, *cache.Entry) {
	lookup, err := n.storage.GetFlightPrice(ctx, flightID, fp)
	if err != nil {
		return validator.Result{Reason: validator.ReasonNotFound}, nil
	}
	res, entry := n.validate(&lookup, cache.KindPrice, fp)
	if res.IsValid && entry.FlightID != flightID {
		return validator.Result{Reason: validator.ReasonParamsMismatch}, nil
	}
	return res, entry
}

func (n *Navigator) validate(lookup *Lookup, kind string, fp cachekey.Fingerprint) (validator.Result, *cache.Entry) {
	res := n.validator.Validate(&lookup.Entry, kind, fp)
	if !res.IsValid {
		n.log.Debug().Str("key", lookup.Entry.Key).Str("tier", lookup.Tier).Str("reason", string(res.Reason)).Msg("Rejecting cached entry")
		return res, nil
	}
	res.Recovered = lookup.Recovered
	if res.Recovered {
		n.log.Debug().Str("key", lookup.Entry.Key).Str("tier", lookup.Tier).Msg("Using entry recovered from lower tier")
	}
	return res, &lookup.Entry
}
