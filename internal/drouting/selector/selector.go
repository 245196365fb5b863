// Package selector turns a matched rule's gateway list into the ordered
// destination list for one call: the first element is tried immediately and
// the rest is kept as the failover reserve.
package selector

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/sebas/drouter/internal/drouting/gateway"
)

// MaxEntries is the default cap on gateway list entries considered per rule.
const MaxEntries = 32

// ErrEmptyGatewayList is returned when no gateway of the rule is usable.
var ErrEmptyGatewayList = errors.New("empty gateway list")

// Order is the sort strategy applied within each group run.
type Order int

const (
	// Sequential keeps the configured priority order
	Sequential Order = iota
	// RandomFull shuffles every run
	RandomFull
	// RandomOnePerGroup picks one representative per run
	RandomOnePerGroup
)

func (o Order) String() string {
	switch o {
	case Sequential:
		return "sequential"
	case RandomFull:
		return "random_full"
	case RandomOnePerGroup:
		return "random_one_per_group"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// ParseOrder accepts the strategy names or the numeric values 0, 1 and 2.
func ParseOrder(s string) (Order, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "sequential", "0":
		return Sequential, nil
	case "random_full", "random", "1":
		return RandomFull, nil
	case "random_one_per_group", "one_per_group", "2":
		return RandomOnePerGroup, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return Sequential, fmt.Errorf("sort order %d out of range 0-2", n)
	}
	return Sequential, fmt.Errorf("unknown sort order %q", s)
}

// Rand is the source of randomness used for ordering. It need not be
// cryptographically strong.
type Rand interface {
	IntN(n int) int
}

type defaultRand struct{}

func (defaultRand) IntN(n int) int { return rand.IntN(n) }

// Options configures a Selector.
type Options struct {
	Order Order
	// AppendRest appends the remaining members of each run after the
	// representative chosen by RandomOnePerGroup.
	AppendRest bool
	// Dedup drops a physical gateway already chosen for an earlier run.
	Dedup bool
	// MaxEntries caps the rule's gateway list; zero means MaxEntries.
	MaxEntries int
}

// Selector orders gateway lists. It is safe for concurrent use provided its
// Rand is.
type Selector struct {
	opts Options
	rng  Rand
}

// New creates a selector. A nil rng uses the package-level math/rand/v2 source.
func New(opts Options, rng Rand) *Selector {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = MaxEntries
	}
	if rng == nil {
		rng = defaultRand{}
	}
	return &Selector{opts: opts, rng: rng}
}

// Options returns the selector configuration.
func (s *Selector) Options() Options {
	return s.opts
}

// Select filters out gateways that are down, splits the rest into contiguous
// group runs, orders each run according to the strategy and concatenates
// them.
func (s *Selector) Select(entries []gateway.Entry) ([]gateway.Entry, error) {
	if len(entries) > s.opts.MaxEntries {
		entries = entries[:s.opts.MaxEntries]
	}

	usable := make([]gateway.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Gateway == nil || e.Gateway.IsDown() {
			continue
		}
		usable = append(usable, e)
	}
	if len(usable) == 0 {
		return nil, ErrEmptyGatewayList
	}

	out := make([]gateway.Entry, 0, len(usable))
	for _, run := range Runs(usable) {
		if s.opts.Dedup {
			group := run[0].Group
			if run = unused(run, out); len(run) == 0 {
				slog.Debug("[Selector] All gateways of group already used, skipping",
					"group", group)
				continue
			}
		}
		out = append(out, s.order(run)...)
	}
	return out, nil
}

// Runs partitions entries into maximal contiguous runs sharing a group id.
func Runs(entries []gateway.Entry) [][]gateway.Entry {
	var runs [][]gateway.Entry
	start := 0
	for i := 1; i <= len(entries); i++ {
		if i == len(entries) || entries[i].Group != entries[start].Group {
			runs = append(runs, entries[start:i])
			start = i
		}
	}
	return runs
}

func (s *Selector) order(run []gateway.Entry) []gateway.Entry {
	if len(run) == 1 || s.opts.Order == Sequential {
		return append([]gateway.Entry(nil), run...)
	}

	switch s.opts.Order {
	case RandomFull:
		return s.shuffle(run)
	case RandomOnePerGroup:
		pick := s.rng.IntN(len(run))
		res := []gateway.Entry{run[pick]}
		if s.opts.AppendRest {
			for i, e := range run {
				if i != pick {
					res = append(res, e)
				}
			}
		}
		return res
	default:
		return append([]gateway.Entry(nil), run...)
	}
}

func (s *Selector) shuffle(run []gateway.Entry) []gateway.Entry {
	res := append([]gateway.Entry(nil), run...)
	for i := len(res) - 1; i > 0; i-- {
		j := s.rng.IntN(i + 1)
		res[i], res[j] = res[j], res[i]
	}
	return res
}

// unused returns the members of run whose physical gateway is not in chosen.
func unused(run, chosen []gateway.Entry) []gateway.Entry {
	if len(chosen) == 0 {
		return run
	}
	res := make([]gateway.Entry, 0, len(run))
	for _, e := range run {
		if !contains(chosen, e.Gateway) {
			res = append(res, e)
		}
	}
	return res
}

func contains(chosen []gateway.Entry, gw *gateway.Gateway) bool {
	for _, c := range chosen {
		if c.Gateway.SameDestination(gw) {
			return true
		}
	}
	return false
}
