/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package recorder implements the Recorder/Aggregator (spec §4.4, C5):
// the monitor's in-flight Command-Action table, keyed by Command-Key,
// that reattaches PAs to their owning CA, classifies audit-group
// membership, and closes/publishes groups on EOA.
//
// The Recorder is deliberately not goroutine-safe: spec §4.3/§5 call for
// a single-threaded cooperative monitor, and the Go translation of that
// is one goroutine owning all Recorder state exclusively (the monitor's
// event loop), never a mutex. Callers outside that loop must not touch
// a Recorder.
package recorder

import (
	"path/filepath"
	"regexp"

	"github.com/audited-objects/ao/internal/access"
	"github.com/audited-objects/ao/internal/action"
	"github.com/audited-objects/ao/internal/log"
	"github.com/audited-objects/ao/internal/wire"
)

// Regexes configures the six aggregation-classification patterns of
// spec §4.4: {line, prog} × {break, strong, weak}.
type Regexes struct {
	BreakLine  *regexp.Regexp
	BreakProg  *regexp.Regexp
	StrongLine *regexp.Regexp
	StrongProg *regexp.Regexp
	WeakLine   *regexp.Regexp
	WeakProg   *regexp.Regexp
}

func match(re *regexp.Regexp, s string) bool {
	return re != nil && re.MatchString(s)
}

// Group is an audit-group: a leader CA plus the members that joined it,
// published atomically once the leader and every member have closed
// (spec §4.4's "Publication order within an audit-group is leader
// first, then members in the order they joined").
type Group struct {
	Leader  *action.CA
	Members []*action.CA
}

func (g *Group) pending() int {
	n := 0
	if g.Leader.State == action.StateOpen {
		n++
	}
	for _, m := range g.Members {
		if m.State == action.StateOpen {
			n++
		}
	}
	return n
}

// entry is the Recorder's bookkeeping for one in-flight CA: the CA
// itself plus the aggregation bookkeeping the classification step
// needs (predecessor link, group membership).
type entry struct {
	ca          *action.CA
	predecessor *entry
	group       *Group // nil if singular
	shopOff     bool   // true once marked SHOP_OFF per spec §4.5
}

// Recorder holds the InFlight hash table described in spec §4.4.
type Recorder struct {
	inFlight map[action.Key]*entry
	regexes  Regexes
	log      *log.Logger
}

func New(regexes Regexes, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.NewDiscardLogger()
	}
	return &Recorder{
		inFlight: make(map[action.Key]*entry),
		regexes:  regexes,
		log:      logger,
	}
}

// lookupPredecessor performs the three ordered probes of spec §4.4:
// exec-chain parent, fork-then-exec parent, fork sibling.
func (r *Recorder) lookupPredecessor(pccode string, depth, cmdid, pcmdid int) *entry {
	if depth == 0 {
		return nil
	}
	if e, ok := r.inFlight[action.Key{PCCode: pccode, Depth: depth - 1, CmdID: cmdid}]; ok {
		return e
	}
	if e, ok := r.inFlight[action.Key{PCCode: pccode, Depth: depth - 1, CmdID: pcmdid}]; ok {
		return e
	}
	if e, ok := r.inFlight[action.Key{PCCode: pccode, Depth: depth, CmdID: pcmdid}]; ok {
		return e
	}
	return nil
}

// SOAResult tells the monitor's event loop which ACK to write back.
type SOAResult struct {
	CA      *action.CA
	ShopOff bool // caller should mark -OK_AGG- rather than run the recycler

	// Terminated holds any CAs that a break match forced out of a
	// predecessor's group, leader-first, if that group happened to have
	// zero other members still open (spec §4.4 case 2's "terminate the
	// group (§ publish)"). Usually empty: a group only reaches zero
	// pending through its own EOAs, which already publish it via
	// HandleEOA before a sibling SOA could observe it here.
	Terminated []*action.CA
}

// HandleSOA processes one parsed SOA line (spec §4.4). It allocates and
// inserts the CA's entry, classifies its audit-group role, and reports
// whether the caller should skip recycling (group member, SHOP_OFF).
func (r *Recorder) HandleSOA(soa wire.SOARecord) SOAResult {
	ca := action.New(soa.PCCode, soa.Depth, soa.CmdID, soa.PCmdID, soa.Program, soa.Cwd, soa.Argv, soa.Start)
	e := &entry{ca: ca}

	pred := r.lookupPredecessor(soa.PCCode, soa.Depth, soa.CmdID, soa.PCmdID)
	e.predecessor = pred

	terminated := r.classify(e, pred)
	r.inFlight[ca.Key()] = e

	return SOAResult{CA: ca, ShopOff: e.shopOff, Terminated: terminated}
}

// classify implements the six-case priority list of spec §4.4. It
// returns any CAs a break match just forced out of a dissolved group
// (see SOAResult.Terminated).
func (r *Recorder) classify(e, pred *entry) []*action.CA {
	ca := e.ca
	line := wire.QuoteArgv(ca.Argv)
	prog := filepath.Base(ca.Program)
	isBreak := match(r.regexes.BreakLine, line) || match(r.regexes.BreakProg, prog)

	// Case 1: predecessor is member-of-strong and this CA matches
	// neither break regex — continue strong (this CA becomes member).
	// The strong-ness test looks at the *group's leader*, not at
	// pred.ca.Role directly: RoleMember is shared by strong and weak
	// groups alike, so checking pred.ca.Role would treat a CA nested
	// two levels inside a weak group as a strong continuation too.
	if pred != nil && pred.group != nil && pred.group.Leader.Role == action.RoleLeaderStrong && !isBreak {
		ca.Role = action.RoleMember
		ca.LeaderCmdID = pred.group.Leader.CmdID
		e.group = pred.group
		pred.group.Members = append(pred.group.Members, ca)
		e.shopOff = true
		return nil
	}

	// Case 2: predecessor is in any group and this CA matches a break
	// regex — terminate the group (publish it if that was its last
	// open member) and classify this CA fresh below, as singular or a
	// new leader. It must never fall into case 5's weak-membership
	// join, which is what "break wins over weak" means.
	var terminated []*action.CA
	brokeGroup := false
	if isBreak && pred != nil && pred.group != nil {
		terminated = r.terminateGroup(pred.group)
		brokeGroup = true
	}

	// Case 3: strong leader.
	if match(r.regexes.StrongProg, prog) || match(r.regexes.StrongLine, line) {
		ca.Role = action.RoleLeaderStrong
		e.group = &Group{Leader: ca}
		return terminated
	}

	// Case 4: weak leader.
	if match(r.regexes.WeakProg, prog) || match(r.regexes.WeakLine, line) {
		ca.Role = action.RoleLeaderWeak
		e.group = &Group{Leader: ca}
		return terminated
	}

	// Case 5: predecessor in a weak group -> weak member, unless this
	// CA just broke out of a group (case 2 above already ran).
	if !brokeGroup && pred != nil && pred.group != nil && pred.group.Leader.Role == action.RoleLeaderWeak {
		ca.Role = action.RoleMember
		ca.LeaderCmdID = pred.group.Leader.CmdID
		e.group = pred.group
		pred.group.Members = append(pred.group.Members, ca)
		e.shopOff = true
		return terminated
	}

	// Case 6: singular.
	ca.Role = action.RoleSingular
	return terminated
}

// terminateGroup seals g against further membership following a break
// match. If every CA already in g happens to be closed, g is published
// now rather than left to wait on an EOA that will never arrive (no
// further CA will ever reference it as a predecessor once classify has
// stopped handing out e.group = g).
func (r *Recorder) terminateGroup(g *Group) []*action.CA {
	if g.pending() > 0 {
		return nil
	}
	return r.publishGroup(g)
}

// AttachPA folds a parsed PA into its owning CA's path table, looked up
// by CK (spec §4.4's "PA" bullet). A lookup miss is a skew warning, not
// an error: the auditor-side failure is never fatal to the monitor.
func (r *Recorder) AttachPA(pa wire.PARecord) {
	key := action.Key{PCCode: pa.PCCode, Depth: pa.Depth, CmdID: pa.CmdID}
	e, ok := r.inFlight[key]
	if !ok {
		r.log.Warn("PA with no matching CA, dropping", log.KV("ck", key.String()), log.KV("path", pa.AbsPath))
		return
	}
	e.ca.AddPath(&access.Record{
		AbsPath:     pa.AbsPath,
		RelPath:     pa.RelPath,
		Ops:         access.ParseOps(opSetToNames(pa.Ops)),
		FirstAccess: pa.FirstAccess,
		LastAccess:  pa.LastAccess,
		PreDigest:   pa.PreDigest,
		PostDigest:  pa.PostDigest,
		Mode:        pa.Mode,
		Size:        pa.Size,
		LinkPath:    pa.LinkPath,
		Depth:       pa.Depth,
	})
}

// opSetToNames is a passthrough: the wire encoding already stores the
// comma-joined op names access.Op.String() produces.
func opSetToNames(s string) string { return s }

// HandleEOA processes one parsed EOA line (spec §4.4): locates the
// originating CA via CK, closes every CA in the exec-chain sharing
// cmdid up to the terminal position, and publishes a completed group.
// It returns the CAs that were just published (empty if the group is
// still waiting on other members).
func (r *Recorder) HandleEOA(eoa wire.EOARecord) []*action.CA {
	key := action.Key{PCCode: eoa.PCCode, Depth: eoa.Depth, CmdID: eoa.CmdID}
	e, ok := r.inFlight[key]
	if !ok {
		r.log.Warn("EOA with no matching SOA, dropping", log.KV("ck", key.String()))
		return nil
	}

	// Walk the exec-chain upward, closing every predecessor that shares
	// this process's cmdid (spec §4.4: "the ending moment of exec-chain
	// position k equals the starting moment of position k+1; only the
	// terminal position receives the true end").
	cur := e
	end := eoa.Start
	for cur != nil {
		next := cur.predecessor
		sameChain := next != nil && next.ca.CmdID == e.ca.CmdID
		var closeEnd wire.Moment
		if sameChain {
			closeEnd = next.ca.Start
		} else {
			closeEnd = end
		}
		if cur.ca.State == action.StateOpen {
			if err := cur.ca.Close(closeEnd, eoa.ExitCode); err != nil {
				r.log.Warn("close failed", log.KVErr(err))
			}
		}
		if !sameChain {
			break
		}
		cur = next
	}

	return r.tryPublish(e)
}

// tryPublish checks whether e's group (or e itself, if singular) is
// ready to publish, and if so removes every member from InFlight and
// returns them leader-first (spec §4.4).
func (r *Recorder) tryPublish(e *entry) []*action.CA {
	if e.group == nil {
		if e.ca.State != action.StateClosed {
			return nil
		}
		delete(r.inFlight, e.ca.Key())
		return []*action.CA{e.ca}
	}

	if e.group.pending() > 0 {
		return nil
	}
	return r.publishGroup(e.group)
}

// publishGroup removes every CA of g from InFlight and returns them
// leader-first (spec §4.4's "Publication order within an audit-group is
// leader first, then members in the order they joined").
func (r *Recorder) publishGroup(g *Group) []*action.CA {
	out := make([]*action.CA, 0, len(g.Members)+1)
	out = append(out, g.Leader)
	out = append(out, g.Members...)
	delete(r.inFlight, g.Leader.Key())
	for _, m := range g.Members {
		delete(r.inFlight, m.Key())
	}
	return out
}

// Lookup returns the in-flight CA for a CK, for tests and diagnostics.
func (r *Recorder) Lookup(k action.Key) (*action.CA, bool) {
	e, ok := r.inFlight[k]
	if !ok {
		return nil, false
	}
	return e.ca, true
}

func (r *Recorder) InFlightCount() int { return len(r.inFlight) }

// Recycle drops k's entry from InFlight once the monitor has excused
// that CA from running by answering its SOA with a recycled-from id. A
// recycled auditor never runs the original binary and so never sends an
// EOA (spec §4.2), which means HandleEOA would never fire for this CA;
// without this call it would stay in InFlight for the life of the
// session, violating spec §8's "no CA is left in-flight at shutdown in
// any other condition". If k belonged to a group, it is also dropped
// from that group's membership so a later EOA's pending() count doesn't
// wait on a CA that will never close.
func (r *Recorder) Recycle(k action.Key) {
	e, ok := r.inFlight[k]
	if !ok {
		return
	}
	delete(r.inFlight, k)
	if e.group == nil {
		return
	}
	g := e.group
	if g.Leader == e.ca {
		return
	}
	for i, m := range g.Members {
		if m == e.ca {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			break
		}
	}
}
