package ticket

import "sync"

// Group fans every transition out to a set of tickets observing the same
// task identity. Members are deduplicated, and each group-level call
// reaches every member exactly once, in the order the calls were made.
type Group struct {
	mu      sync.Mutex
	tickets []*Ticket
	seen    map[*Ticket]struct{}
}

// NewGroup creates a group containing the given non-nil tickets.
func NewGroup(tickets ...*Ticket) *Group {
	g := &Group{seen: make(map[*Ticket]struct{})}
	for _, t := range tickets {
		g.Add(t)
	}
	return g
}

// Add appends t unless it is nil or already a member.
func (g *Group) Add(t *Ticket) bool {
	if t == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[t]; ok {
		return false
	}
	g.seen[t] = struct{}{}
	g.tickets = append(g.tickets, t)
	return true
}

// Merge adds every member of other.
func (g *Group) Merge(other *Group) {
	if other == nil || other == g {
		return
	}
	for _, t := range other.Tickets() {
		g.Add(t)
	}
}

// Tickets returns a copy of the members in insertion order.
func (g *Group) Tickets() []*Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Ticket(nil), g.tickets...)
}

// Len returns the number of members.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tickets)
}

func (g *Group) Accept()  { g.apply(func(t *Ticket) { t.Accept() }) }
func (g *Group) Queue()   { g.apply(func(t *Ticket) { t.Queue() }) }
func (g *Group) Unqueue() { g.apply(func(t *Ticket) { t.Unqueue() }) }
func (g *Group) Start()   { g.apply(func(t *Ticket) { t.Start() }) }
func (g *Group) Stop()    { g.apply(func(t *Ticket) { t.Stop() }) }

func (g *Group) Finish(result any) { g.apply(func(t *Ticket) { t.Finish(result) }) }
func (g *Group) Fail(err error)    { g.apply(func(t *Ticket) { t.Fail(err) }) }

func (g *Group) SetProgress(done, total float64, msg string) {
	g.apply(func(t *Ticket) { t.SetProgress(done, total, msg) })
}

// apply holds the group lock for the whole fan-out so concurrent
// group-level calls cannot interleave between members.
func (g *Group) apply(fn func(t *Ticket)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tickets {
		fn(t)
	}
}
