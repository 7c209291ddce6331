package swarm

import (
	"context"
	"log/slog"
	"sort"

	"github.com/andres-erbsen/clock"
)

// Choker runs the two periodic selection tasks: the preferred-neighbor
// recomputation every unchoking interval and the optimistic-unchoke
// rotation every optimistic interval. Both operate on the controller's
// neighbor state; frame sends happen after the state lock is released.
//
// The clock is injected so the intervals are testable against a mock.
type Choker struct {
	log   *slog.Logger
	ctrl  *Controller
	clock clock.Clock
}

func NewChoker(ctrl *Controller, clk clock.Clock, log *slog.Logger) *Choker {
	return &Choker{
		log:   log.With("src", "choker"),
		ctrl:  ctrl,
		clock: clk,
	}
}

// Run drives both tickers until ctx is done.
func (ch *Choker) Run(ctx context.Context) error {
	ch.log.Debug("started",
		"unchokingInterval", ch.ctrl.cfg.UnchokingInterval,
		"optimisticInterval", ch.ctrl.cfg.OptimisticUnchokingInterval)

	preferredTicker := ch.clock.Ticker(ch.ctrl.cfg.UnchokingInterval)
	defer preferredTicker.Stop()

	optimisticTicker := ch.clock.Ticker(ch.ctrl.cfg.OptimisticUnchokingInterval)
	defer optimisticTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-preferredTicker.C:
			ch.RecalculatePreferred()

		case <-optimisticTicker.C:
			ch.RecalculateOptimistic()
		}
	}
}

// chokeAction is a frame decision computed under the neighbor lock and
// executed after it is released.
type chokeAction struct {
	id      int32
	unchoke bool
}

// RecalculatePreferred recomputes the preferred-neighbor set from the
// interested candidates: by download rate (random tie-break) while we are
// still downloading, uniformly at random once complete. It publishes the
// resulting choke/unchoke transitions and resets the rate window.
func (ch *Choker) RecalculatePreferred() {
	c := ch.ctrl

	c.bfMu.RLock()
	complete := c.bf.Complete()
	c.bfMu.RUnlock()

	windowSecs := c.cfg.UnchokingInterval.Seconds()

	c.nbMu.Lock()

	var candidates []*neighbor
	for _, nb := range c.neighbors {
		nb.rate = float64(nb.windowBytes) / windowSecs
		if nb.peerInterested {
			candidates = append(candidates, nb)
		}
	}

	// Shuffling first makes the sort's equal-rate ordering a uniform
	// random tie-break.
	c.shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if !complete {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].rate > candidates[j].rate
		})
	}

	k := c.cfg.NumPreferredNeighbors
	if k > len(candidates) {
		k = len(candidates)
	}

	newPreferred := make(map[int32]struct{}, k)
	preferredIDs := make([]int32, 0, k)
	for _, nb := range candidates[:k] {
		newPreferred[nb.id] = struct{}{}
		preferredIDs = append(preferredIDs, nb.id)
	}
	c.preferred = newPreferred

	var actions []chokeAction
	for _, nb := range c.neighbors {
		_, isPreferred := newPreferred[nb.id]
		isOptimistic := c.hasOptimistic && nb.id == c.optimistic

		switch {
		case (isPreferred || isOptimistic) && nb.amChoking:
			nb.amChoking = false
			actions = append(actions, chokeAction{id: nb.id, unchoke: true})
		case !isPreferred && !isOptimistic && !nb.amChoking:
			nb.amChoking = true
			actions = append(actions, chokeAction{id: nb.id, unchoke: false})
		}
	}

	// Open the next measurement window.
	for _, nb := range c.neighbors {
		nb.windowBytes = 0
		nb.rate = 0
	}

	c.nbMu.Unlock()

	ch.apply(actions)
	c.events.PreferredNeighbors(preferredIDs)
}

// RecalculateOptimistic picks one choked-but-interested neighbor uniformly
// at random and unchokes it. The previous optimistic neighbor is choked
// again unless the preferred set now covers it.
func (ch *Choker) RecalculateOptimistic() {
	c := ch.ctrl

	c.nbMu.Lock()

	var candidates []*neighbor
	for _, nb := range c.neighbors {
		if nb.amChoking && nb.peerInterested {
			candidates = append(candidates, nb)
		}
	}

	if len(candidates) == 0 {
		c.nbMu.Unlock()
		return
	}

	pick := candidates[c.randIntn(len(candidates))]

	var actions []chokeAction

	if c.hasOptimistic && c.optimistic != pick.id {
		if _, isPreferred := c.preferred[c.optimistic]; !isPreferred {
			if prior, ok := c.neighbors[c.optimistic]; ok && !prior.amChoking {
				prior.amChoking = true
				actions = append(actions, chokeAction{id: prior.id, unchoke: false})
			}
		}
	}

	c.optimistic = pick.id
	c.hasOptimistic = true
	pick.amChoking = false
	actions = append(actions, chokeAction{id: pick.id, unchoke: true})

	c.nbMu.Unlock()

	ch.apply(actions)
	c.events.OptimisticUnchoke(pick.id)
}

func (ch *Choker) apply(actions []chokeAction) {
	for _, action := range actions {
		s, ok := ch.ctrl.session(action.id)
		if !ok {
			continue
		}

		if action.unchoke {
			s.SendUnchoke()
		} else {
			s.SendChoke()
		}
	}
}
