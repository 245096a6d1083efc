package recorder

import (
	"regexp"
	"testing"

	"github.com/audited-objects/ao/internal/action"
	"github.com/audited-objects/ao/internal/wire"
	"github.com/stretchr/testify/require"
)

func soaFor(pccode string, depth, cmdid, pcmdid int, program string, argv []string) wire.SOARecord {
	return wire.SOARecord{
		PCCode: pccode, Depth: depth, CmdID: cmdid, PCmdID: pcmdid,
		Program: program, Cwd: "/work/proj", Argv: argv, Start: wire.Now(),
	}
}

func TestSingularCommandWithNoRegexMatch(t *testing.T) {
	r := New(Regexes{}, nil)
	res := r.HandleSOA(soaFor("", 0, 100, 0, "/usr/bin/cc", []string{"cc", "-c", "foo.c"}))
	require.Equal(t, action.RoleSingular, res.CA.Role)
	require.False(t, res.ShopOff)
}

func TestStrongLeaderThenMemberContinuesGroup(t *testing.T) {
	r := New(Regexes{StrongProg: regexp.MustCompile(`make$`)}, nil)

	leader := r.HandleSOA(soaFor("", 0, 1, 0, "/usr/bin/make", []string{"make"}))
	require.Equal(t, action.RoleLeaderStrong, leader.CA.Role)

	member := r.HandleSOA(soaFor("", 1, 2, 1, "/usr/bin/cc", []string{"cc", "-c", "a.c"}))
	require.Equal(t, action.RoleMember, member.CA.Role)
	require.True(t, member.ShopOff)
	require.Equal(t, leader.CA.CmdID, member.CA.LeaderCmdID)
}

func TestWeakLeaderGroupsFollowOnCommands(t *testing.T) {
	r := New(Regexes{WeakProg: regexp.MustCompile(`^sh$`)}, nil)

	leader := r.HandleSOA(soaFor("", 0, 1, 0, "/bin/sh", []string{"sh", "-c", "build.sh"}))
	require.Equal(t, action.RoleLeaderWeak, leader.CA.Role)

	member := r.HandleSOA(soaFor("", 1, 2, 1, "/usr/bin/cc", []string{"cc", "foo.c"}))
	require.Equal(t, action.RoleMember, member.CA.Role)
}

func TestPAWithNoMatchingCAIsDroppedNotFatal(t *testing.T) {
	r := New(Regexes{}, nil)
	require.NotPanics(t, func() {
		r.AttachPA(wire.PARecord{PCCode: "nope", Depth: 9, CmdID: 9, AbsPath: "/x"})
	})
}

func TestEOAPublishesSingularCAAndRemovesFromInFlight(t *testing.T) {
	r := New(Regexes{}, nil)
	soa := soaFor("", 0, 100, 0, "/usr/bin/cc", []string{"cc", "-c", "foo.c"})
	r.HandleSOA(soa)
	require.Equal(t, 1, r.InFlightCount())

	published := r.HandleEOA(wire.EOARecord{SOARecord: soa, ExitCode: 0})
	require.Len(t, published, 1)
	require.Equal(t, action.StateClosed, published[0].State)
	require.Equal(t, 0, r.InFlightCount())
}

func TestEOAPublishesGroupOnlyWhenAllMembersClosed(t *testing.T) {
	r := New(Regexes{StrongProg: regexp.MustCompile(`make$`)}, nil)

	leaderSOA := soaFor("", 0, 1, 0, "/usr/bin/make", []string{"make"})
	r.HandleSOA(leaderSOA)

	memberSOA := soaFor("", 1, 2, 1, "/usr/bin/cc", []string{"cc", "-c", "a.c"})
	r.HandleSOA(memberSOA)

	// Closing the member first must not publish yet: leader still open.
	published := r.HandleEOA(wire.EOARecord{SOARecord: memberSOA, ExitCode: 0})
	require.Empty(t, published)
	require.Equal(t, 2, r.InFlightCount())

	published = r.HandleEOA(wire.EOARecord{SOARecord: leaderSOA, ExitCode: 0})
	require.Len(t, published, 2)
	require.Equal(t, action.RoleLeaderStrong, published[0].Role, "leader published first")
	require.Equal(t, 0, r.InFlightCount())
}

func TestEOAWithNoMatchingSOAIsDroppedNotFatal(t *testing.T) {
	r := New(Regexes{}, nil)
	require.NotPanics(t, func() {
		r.HandleEOA(wire.EOARecord{SOARecord: soaFor("ghost", 4, 5, 6, "/bin/ls", []string{"ls"})})
	})
}

func TestBreakRegexEndsWeakGroupInsteadOfJoining(t *testing.T) {
	r := New(Regexes{
		WeakProg:  regexp.MustCompile(`^sh$`),
		BreakProg: regexp.MustCompile(`^ld$`),
	}, nil)

	leader := r.HandleSOA(soaFor("", 0, 1, 0, "/bin/sh", []string{"sh", "-c", "build.sh"}))
	require.Equal(t, action.RoleLeaderWeak, leader.CA.Role)

	brk := r.HandleSOA(soaFor("", 1, 2, 1, "/usr/bin/ld", []string{"ld", "-o", "a.out"}))
	require.NotEqual(t, action.RoleMember, brk.CA.Role, "a break match must never join the weak group as a member")
	require.False(t, brk.ShopOff)
}

func TestBreakRegexWinsEvenWhenItAlsoMatchesWeak(t *testing.T) {
	r := New(Regexes{
		WeakProg:  regexp.MustCompile(`.`),
		BreakProg: regexp.MustCompile(`^ld$`),
	}, nil)

	leader := r.HandleSOA(soaFor("", 0, 1, 0, "/bin/sh", []string{"sh"}))
	require.Equal(t, action.RoleLeaderWeak, leader.CA.Role)

	brk := r.HandleSOA(soaFor("", 1, 2, 1, "/usr/bin/ld", []string{"ld"}))
	require.Equal(t, action.RoleLeaderWeak, brk.CA.Role, "ld still matches the (overly broad) weak regex once it breaks out")
}

func TestNestedStrongMatchInsideWeakGroupYields(t *testing.T) {
	r := New(Regexes{
		WeakProg:   regexp.MustCompile(`^sh$`),
		StrongProg: regexp.MustCompile(`^make$`),
	}, nil)

	shell := r.HandleSOA(soaFor("", 0, 1, 0, "/bin/sh", []string{"sh", "-c", "make"}))
	require.Equal(t, action.RoleLeaderWeak, shell.CA.Role)

	// One level into the weak group: make matches the strong regex and
	// becomes a strong leader instead of a weak member.
	makeRes := r.HandleSOA(soaFor("", 1, 2, 1, "/usr/bin/make", []string{"make"}))
	require.Equal(t, action.RoleLeaderStrong, makeRes.CA.Role, "a strong match must win even nested inside a weak group")

	// Two levels deep: predecessor (make) is itself RoleLeaderStrong, so
	// this continues the strong group rather than being mistaken for a
	// strong continuation of the outer weak leader.
	cc := r.HandleSOA(soaFor("", 2, 3, 2, "/usr/bin/cc", []string{"cc", "-c", "a.c"}))
	require.Equal(t, action.RoleMember, cc.CA.Role)
	require.Equal(t, makeRes.CA.CmdID, cc.CA.LeaderCmdID)
}

func TestRecycleRemovesCAFromInFlight(t *testing.T) {
	r := New(Regexes{}, nil)
	soa := soaFor("", 0, 100, 0, "/usr/bin/cc", []string{"cc", "-c", "foo.c"})
	r.HandleSOA(soa)
	require.Equal(t, 1, r.InFlightCount())

	r.Recycle(action.Key{PCCode: "", Depth: 0, CmdID: 100})
	require.Equal(t, 0, r.InFlightCount())

	_, ok := r.Lookup(action.Key{PCCode: "", Depth: 0, CmdID: 100})
	require.False(t, ok)
}

func TestLookupPredecessorProbesForkThenExecParent(t *testing.T) {
	r := New(Regexes{}, nil)
	parent := soaFor("", 0, 10, 0, "/bin/sh", []string{"sh"})
	r.HandleSOA(parent)

	// child: depth 1, pcmdid = parent's cmdid (fork-then-exec probe #2)
	child := soaFor("", 1, 11, 10, "/usr/bin/cc", []string{"cc"})
	res := r.HandleSOA(child)
	require.Equal(t, action.RoleSingular, res.CA.Role)

	pred := r.inFlight[res.CA.Key()].predecessor
	require.NotNil(t, pred)
	require.Equal(t, 10, pred.ca.CmdID)
}
