package mdip

import (
	"context"
	"errors"
	"slices"
)

type ImportStatus int

const (
	StatusAdded ImportStatus = iota
	StatusMerged
	StatusRejected
	// waiting on an event that has not arrived yet
	StatusPending
)

func (s ImportStatus) String() string {
	switch s {
	case StatusAdded:
		return "added"
	case StatusMerged:
		return "merged"
	case StatusRejected:
		return "rejected"
	case StatusPending:
		return "pending"
	}
	return "unknown"
}

type ImportBatchResult struct {
	Queued    int `json:"queued"`
	Processed int `json:"processed"`
	Rejected  int `json:"rejected"`
	Total     int `json:"total"`
}

type ProcessEventsResult struct {
	Busy     bool `json:"busy,omitempty"`
	Added    int  `json:"added"`
	Merged   int  `json:"merged"`
	Rejected int  `json:"rejected"`
	Pending  int  `json:"pending"`
}

func eventKey(event *Event) string {
	op := event.Operation.AsOperation()
	if op == nil || op.GetSignature() == nil {
		return event.Registry + "/"
	}
	return event.Registry + "/" + op.GetSignature().Hash
}

// ImportBatch queues events for the next ProcessEvents run. Malformed events are counted
// as rejected; events already waiting in the queue are counted as processed.
func (g *Gatekeeper) ImportBatch(ctx context.Context, batch []Event) (*ImportBatchResult, error) {
	if len(batch) == 0 {
		return nil, invalidParameter("batch", nil)
	}

	res := &ImportBatchResult{}

	g.queueLock.Lock()
	defer g.queueLock.Unlock()

	for i := range batch {
		event := batch[i]
		if !g.VerifyEvent(&event) {
			res.Rejected++
			continue
		}

		key := eventKey(&event)
		if g.eventsSeen.Contains(key) {
			res.Processed++
			continue
		}
		g.eventsSeen.Add(key)
		g.eventsQueue.Add(event)
		res.Queued++
	}

	res.Total = g.eventsQueue.Size()
	return res, nil
}

// QueueLength returns the number of events waiting to be processed.
func (g *Gatekeeper) QueueLength() int {
	g.queueLock.Lock()
	defer g.queueLock.Unlock()
	return g.eventsQueue.Size()
}

// PendingEvents returns a copy of the events waiting to be processed.
func (g *Gatekeeper) PendingEvents() []Event {
	g.queueLock.Lock()
	defer g.queueLock.Unlock()

	out := make([]Event, 0, g.eventsQueue.Size())
	for _, v := range g.eventsQueue.Values() {
		out = append(out, v.(Event))
	}
	return out
}

// clearEventsQueue drops every queued event
func (g *Gatekeeper) clearEventsQueue() {
	g.queueLock.Lock()
	defer g.queueLock.Unlock()
	g.eventsQueue.Clear()
	g.eventsSeen.Clear()
}

// trust tier of an event relative to the DID's native registry
func registryTier(registry, native string) int {
	switch {
	case registry == native:
		return 2
	case registry == RegistryLocal || registry == RegistryHyperswarm:
		return 0
	default:
		return 1
	}
}

// supersedes reports whether candidate should replace current at the same position in a log.
// Higher trust tier wins. Within one anchoring registry the lower ordinal wins. Otherwise
// the event that arrived first keeps its place.
func supersedes(candidate, current *Event, native string) bool {
	ct := registryTier(candidate.Registry, native)
	et := registryTier(current.Registry, native)
	if ct != et {
		return ct > et
	}
	if ct == 0 || candidate.Registry != current.Registry {
		return false
	}
	if len(candidate.Ordinal) == 0 || len(current.Ordinal) == 0 {
		return false
	}
	return CompareOrdinals(candidate.Ordinal, current.Ordinal) < 0
}

// orderAnchored sorts the events of each anchored registry by ordinal, keeping every other
// event where it arrived. Events from one chain are then applied in chain order.
func orderAnchored(events []Event) {
	positions := make(map[string][]int)
	for i := range events {
		if r := events[i].Registry; r != RegistryLocal && r != RegistryHyperswarm {
			positions[r] = append(positions[r], i)
		}
	}
	for _, idx := range positions {
		if len(idx) < 2 {
			continue
		}
		chain := make([]Event, len(idx))
		for j, i := range idx {
			chain[j] = events[i]
		}
		slices.SortStableFunc(chain, func(a, b Event) int {
			return CompareOrdinals(a.Ordinal, b.Ordinal)
		})
		for j, i := range idx {
			events[i] = chain[j]
		}
	}
}

// isMissingDependency reports whether err means the operation refers to a DID we don't have yet
func isMissingDependency(err error) bool {
	return errors.Is(err, ErrInvalidDID)
}

func (g *Gatekeeper) saveOperation(ctx context.Context, op Operation) {
	if g.blobs == nil {
		return
	}
	if _, err := g.blobs.AddJSON(ctx, op); err != nil {
		g.logger.Warn("failed to save operation", "err", err)
	}
}

// importEvent merges a single event into its DID's log.
// Errors are reserved for store failures; invalid events return StatusRejected.
func (g *Gatekeeper) importEvent(ctx context.Context, event *Event) (ImportStatus, error) {
	op := event.Operation.AsOperation()
	if op == nil {
		return StatusRejected, nil
	}

	if event.DID == "" {
		if op.TargetDID() != "" {
			event.DID = op.TargetDID()
		} else {
			did, err := g.GenerateDID(op)
			if err != nil {
				return StatusRejected, nil
			}
			event.DID = did
		}
	}
	did := event.DID

	g.didLocks.Lock(did)
	defer g.didLocks.Unlock(did)

	current, err := g.store.GetEvents(ctx, did)
	if err != nil {
		return StatusRejected, err
	}

	if event.Opid == "" {
		event.Opid = op.CID()
		g.saveOperation(ctx, op)
	}
	for i := range current {
		if current[i].Opid == "" {
			if cop := current[i].Operation.AsOperation(); cop != nil {
				current[i].Opid = cop.CID()
			}
		}
	}

	native := ""
	if len(current) > 0 && current[0].Operation.Create != nil && current[0].Operation.Create.Mdip != nil {
		native = current[0].Operation.Create.Mdip.Registry
	}
	// registry the DID lives on once this event is in, for distribution
	home := native
	if create, ok := op.(*CreateOp); ok && home == "" && create.Mdip != nil {
		home = create.Mdip.Registry
	}

	sig := op.GetSignature()
	for i := range current {
		cop := current[i].Operation.AsOperation()
		if cop == nil || cop.GetSignature() == nil || sig == nil || cop.GetSignature().Value != sig.Value {
			continue
		}

		if current[i].Registry == native {
			// already confirmed on the native registry
			return StatusMerged, nil
		}
		if event.Registry == native {
			current[i] = *event
			if err := g.store.SetEvents(ctx, did, current); err != nil {
				return StatusRejected, err
			}
			g.emit(home, *event)
			return StatusAdded, nil
		}
		return StatusMerged, nil
	}

	ok, err := g.VerifyOperation(ctx, op)
	if err != nil {
		if isMissingDependency(err) {
			return StatusPending, nil
		}
		if errors.Is(err, ErrInvalidOperation) {
			g.logger.Debug("rejected operation", "did", did, "err", err)
			return StatusRejected, nil
		}
		return StatusRejected, err
	}
	if !ok {
		return StatusRejected, nil
	}

	appendEvent := func() (ImportStatus, error) {
		if err := g.store.AddEvent(ctx, did, *event); err != nil {
			return StatusRejected, err
		}
		g.emit(home, *event)
		return StatusAdded, nil
	}

	if len(current) == 0 {
		return appendEvent()
	}

	// operations from older wallets have no previd
	previd := op.PrevID()
	if previd == "" {
		return appendEvent()
	}

	index := -1
	for i := range current {
		if current[i].Opid == previd {
			index = i
			break
		}
	}
	if index < 0 {
		return StatusPending, nil
	}
	if index == len(current)-1 {
		return appendEvent()
	}

	// fork: another event already follows our predecessor
	if supersedes(event, &current[index+1], native) {
		seq := append(current[:index+1:index+1], *event)
		if err := g.store.SetEvents(ctx, did, seq); err != nil {
			return StatusRejected, err
		}
		g.logger.Info("replaced forked events", "did", did, "registry", event.Registry, "dropped", len(current)-index-1)
		g.emit(home, *event)
		return StatusAdded, nil
	}

	return StatusRejected, nil
}

type importCounts struct {
	added, merged, rejected int
}

// importEvents makes a single pass over the events queue. Pending events are put back.
func (g *Gatekeeper) importEvents(ctx context.Context) (importCounts, error) {
	g.queueLock.Lock()
	batch := g.eventsQueue.Values()
	g.eventsQueue.Clear()
	g.queueLock.Unlock()

	events := make([]Event, 0, len(batch))
	for _, v := range batch {
		events = append(events, v.(Event))
	}
	orderAnchored(events)

	var counts importCounts
	total := len(events)

	for i := range events {
		event := events[i]
		status, err := g.importEvent(ctx, &event)
		if err != nil {
			return counts, err
		}

		g.logger.Debug("import", "n", i+1, "total", total, "status", status.String(), "did", event.DID)

		g.queueLock.Lock()
		switch status {
		case StatusAdded:
			counts.added++
			g.eventsSeen.Remove(eventKey(&event))
		case StatusMerged:
			counts.merged++
			g.eventsSeen.Remove(eventKey(&event))
		case StatusRejected:
			counts.rejected++
			g.eventsSeen.Remove(eventKey(&event))
		case StatusPending:
			g.eventsQueue.Add(event)
		}
		g.queueLock.Unlock()
	}
	return counts, nil
}

// ProcessEvents merges queued events into the store, repeating until a pass makes no
// progress. Only one run proceeds at a time; concurrent callers get Busy.
func (g *Gatekeeper) ProcessEvents(ctx context.Context) *ProcessEventsResult {
	if !g.processing.CompareAndSwap(false, true) {
		return &ProcessEventsResult{Busy: true}
	}
	defer g.processing.Store(false)

	res := &ProcessEventsResult{}
	for {
		counts, err := g.importEvents(ctx)
		res.Added += counts.added
		res.Merged += counts.merged
		res.Rejected += counts.rejected

		if err != nil {
			g.logger.Error("processEvents error", "err", err)
			g.clearEventsQueue()
			break
		}
		if counts.added == 0 && counts.merged == 0 {
			break
		}
	}

	res.Pending = g.QueueLength()
	g.logger.Debug("processEvents", "added", res.Added, "merged", res.Merged, "rejected", res.Rejected, "pending", res.Pending)
	return res
}
