package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

// Sim is an in-memory terminal used by tests, the integration harness, and
// dry runs. Open positions are scripted as successive cycles per login, and
// history is served from a pool of deals and orders that become visible at a
// configurable moment, mirroring the lag of the real terminal's history
// cache.
type Sim struct {
	mu  sync.Mutex
	now func() time.Time

	initialized bool
	login       int64

	accounts  map[int64]models.AccountInfo
	passwords map[int64]string
	cycles    map[int64][][]models.Position
	deals     []timedDeal
	orders    []timedOrder

	failInit      int
	failLogin     map[int64]int
	failPositions int
	failDeals     int
	failOrders    int

	counts SimCounts
}

type timedDeal struct {
	deal      models.Deal
	visibleAt time.Time
}

type timedOrder struct {
	order     models.Order
	visibleAt time.Time
}

// SimCounts records how many times each terminal call was made.
type SimCounts struct {
	Init      int
	Login     int
	Shutdown  int
	Account   int
	Positions int
	Deals     int
	Orders    int
}

// NewSim creates an empty simulator on the real clock.
func NewSim() *Sim {
	return &Sim{
		now:       time.Now,
		accounts:  make(map[int64]models.AccountInfo),
		passwords: make(map[int64]string),
		cycles:    make(map[int64][][]models.Position),
		failLogin: make(map[int64]int),
	}
}

// WithClock replaces the simulator's clock and returns the simulator.
func (s *Sim) WithClock(now func() time.Time) *Sim {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// SetAccount registers an account the simulator will accept logins for.
func (s *Sim) SetAccount(info models.AccountInfo, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[info.Login] = info
	s.passwords[info.Login] = password
}

// QueuePositions appends one open-position cycle for a login. Each Positions
// call consumes a cycle; the final cycle repeats forever.
func (s *Sim) QueuePositions(login int64, cycle ...models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles[login] = append(s.cycles[login], cycle)
}

// AddDeal adds an immediately visible deal to the history pool.
func (s *Sim) AddDeal(d models.Deal) {
	s.AddDealVisibleAt(d, time.Time{})
}

// AddDealVisibleAt adds a deal that HistoryDeals only returns once the
// simulator clock reaches at.
func (s *Sim) AddDealVisibleAt(d models.Deal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals = append(s.deals, timedDeal{deal: d, visibleAt: at})
}

// AddOrder adds an immediately visible order to the history pool.
func (s *Sim) AddOrder(o models.Order) {
	s.AddOrderVisibleAt(o, time.Time{})
}

// AddOrderVisibleAt adds an order that HistoryOrders only returns once the
// simulator clock reaches at.
func (s *Sim) AddOrderVisibleAt(o models.Order, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, timedOrder{order: o, visibleAt: at})
}

// FailNextInit makes the next n Initialize calls fail.
func (s *Sim) FailNextInit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInit = n
}

// FailNextLogin makes the next n Login calls for a login fail with an
// authorization error.
func (s *Sim) FailNextLogin(login int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLogin[login] = n
}

// FailNextPositions makes the next n Positions calls fail.
func (s *Sim) FailNextPositions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPositions = n
}

// FailNextDeals makes the next n HistoryDeals calls fail.
func (s *Sim) FailNextDeals(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeals = n
}

// FailNextOrders makes the next n HistoryOrders calls fail.
func (s *Sim) FailNextOrders(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOrders = n
}

// Counts returns a copy of the per-call counters.
func (s *Sim) Counts() SimCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// Initialize brings up the simulated session.
func (s *Sim) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Init++
	if s.failInit > 0 {
		s.failInit--
		return fmt.Errorf("%w: terminal unavailable", ErrInitFailed)
	}
	s.initialized = true
	return nil
}

// Login authorizes the session for a registered account.
func (s *Sim) Login(ctx context.Context, login int64, password, server string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Login++
	if !s.initialized {
		return fmt.Errorf("%w: login before initialize", ErrInitFailed)
	}
	if s.failLogin[login] > 0 {
		s.failLogin[login]--
		return fmt.Errorf("%w: %v", ErrAuthFailed, &Error{Code: terminalAuthFailedCode, Message: "Authorization failed"})
	}
	if _, ok := s.accounts[login]; !ok {
		return fmt.Errorf("%w: unknown account %d", ErrAuthFailed, login)
	}
	if want := s.passwords[login]; want != "" && want != password {
		return fmt.Errorf("%w: %v", ErrAuthFailed, &Error{Code: terminalAuthFailedCode, Message: "Authorization failed"})
	}
	s.login = login
	return nil
}

// Shutdown releases the simulated session.
func (s *Sim) Shutdown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Shutdown++
	s.initialized = false
	s.login = 0
	return nil
}

// AccountInfo returns the logged-in account summary.
func (s *Sim) AccountInfo(ctx context.Context) (models.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return models.AccountInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Account++
	info, ok := s.accounts[s.login]
	if !ok {
		return models.AccountInfo{}, fmt.Errorf("sim: no account logged in")
	}
	return info, nil
}

// Positions returns the current cycle of open positions for the logged-in
// account, consuming it when more cycles are queued.
func (s *Sim) Positions(ctx context.Context) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Positions++
	if s.failPositions > 0 {
		s.failPositions--
		return nil, &Error{Code: -1, Message: "positions request failed"}
	}
	cycles := s.cycles[s.login]
	if len(cycles) == 0 {
		return []models.Position{}, nil
	}
	cycle := cycles[0]
	if len(cycles) > 1 {
		s.cycles[s.login] = cycles[1:]
	}
	out := make([]models.Position, len(cycle))
	copy(out, cycle)
	return out, nil
}

// HistoryDeals returns visible deals executed within [from, to].
func (s *Sim) HistoryDeals(ctx context.Context, from, to time.Time) ([]models.Deal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Deals++
	if s.failDeals > 0 {
		s.failDeals--
		return nil, &Error{Code: -1, Message: "history deals request failed"}
	}
	now := s.now()
	var out []models.Deal
	for _, td := range s.deals {
		if !td.visibleAt.IsZero() && now.Before(td.visibleAt) {
			continue
		}
		if td.deal.Time < from.Unix() || td.deal.Time > to.Unix() {
			continue
		}
		out = append(out, td.deal)
	}
	return out, nil
}

// HistoryOrders returns visible orders done within [from, to].
func (s *Sim) HistoryOrders(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Orders++
	if s.failOrders > 0 {
		s.failOrders--
		return nil, &Error{Code: -1, Message: "history orders request failed"}
	}
	now := s.now()
	var out []models.Order
	for _, rec := range s.orders {
		if !rec.visibleAt.IsZero() && now.Before(rec.visibleAt) {
			continue
		}
		if rec.order.TimeDone < from.Unix() || rec.order.TimeDone > to.Unix() {
			continue
		}
		out = append(out, rec.order)
	}
	return out, nil
}
