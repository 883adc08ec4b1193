package agent

import (
	"errors"
	"sort"
)

// ErrNoVotes indicates a resolution round with an empty vote set.
var ErrNoVotes = errors.New("no votes to resolve")

// Vote is one agent's vote for a choice in a peer resolution round.
type Vote struct {
	// Agent is the voting agent's ID.
	Agent string `json:"agent"`

	// Choice is the proposal the agent votes for.
	Choice string `json:"choice"`

	// Weight is the vote's weight for weighted resolution. Resolutions
	// that do not use weights ignore it.
	Weight float64 `json:"weight,omitempty"`
}

// Decision is the outcome of a resolution round.
type Decision struct {
	// Choice is the winning proposal.
	Choice string `json:"choice"`

	// Score is the winning tally: vote count for Majority, total weight
	// for Weighted.
	Score float64 `json:"score"`

	// Tied reports whether the win was decided by the deterministic
	// tie-break rather than a strict plurality.
	Tied bool `json:"tied,omitempty"`
}

// Resolution decides the winner of a voting round.
//
// Implementations must be deterministic: the same vote set always
// produces the same decision, so checkpoint replay reproduces the
// outcome. Ties break toward the lexicographically smallest choice.
type Resolution interface {
	Resolve(votes []Vote) (Decision, error)
}

// Majority picks the choice with the most votes, one vote per agent.
type Majority struct{}

// Resolve implements Resolution.
func (Majority) Resolve(votes []Vote) (Decision, error) {
	return tally(votes, func(Vote) float64 { return 1 })
}

// Weighted picks the choice with the greatest total vote weight.
// Votes with non-positive weight count as weight 0.
type Weighted struct{}

// Resolve implements Resolution.
func (Weighted) Resolve(votes []Vote) (Decision, error) {
	return tally(votes, func(v Vote) float64 {
		if v.Weight <= 0 {
			return 0
		}
		return v.Weight
	})
}

// Arbiter delegates the decision to a designated agent: the arbiter's
// own vote wins outright. If the arbiter did not vote, the Fallback
// resolution decides instead (Majority when nil).
type Arbiter struct {
	// Agent is the arbiter agent's ID.
	Agent string

	// Fallback resolves the round when the arbiter abstained.
	Fallback Resolution
}

// Resolve implements Resolution.
func (a Arbiter) Resolve(votes []Vote) (Decision, error) {
	if len(votes) == 0 {
		return Decision{}, ErrNoVotes
	}
	for _, v := range votes {
		if v.Agent == a.Agent {
			return Decision{Choice: v.Choice, Score: 1}, nil
		}
	}
	fallback := a.Fallback
	if fallback == nil {
		fallback = Majority{}
	}
	return fallback.Resolve(votes)
}

// tally sums per-choice scores and picks the winner, breaking ties
// toward the lexicographically smallest choice. Only an agent's last
// vote counts.
func tally(votes []Vote, weight func(Vote) float64) (Decision, error) {
	if len(votes) == 0 {
		return Decision{}, ErrNoVotes
	}

	lastVote := make(map[string]Vote)
	order := make([]string, 0, len(votes))
	for _, v := range votes {
		if _, seen := lastVote[v.Agent]; !seen {
			order = append(order, v.Agent)
		}
		lastVote[v.Agent] = v
	}

	scores := make(map[string]float64)
	for _, agent := range order {
		v := lastVote[agent]
		scores[v.Choice] += weight(v)
	}

	choices := make([]string, 0, len(scores))
	for c := range scores {
		choices = append(choices, c)
	}
	sort.Strings(choices)

	best := choices[0]
	contenders := 1
	for _, c := range choices[1:] {
		switch {
		case scores[c] > scores[best]:
			best = c
			contenders = 1
		case scores[c] == scores[best]:
			contenders++
		}
	}
	return Decision{Choice: best, Score: scores[best], Tied: contenders > 1}, nil
}
