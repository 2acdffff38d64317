package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// Verdict is the single discrete outcome of one trial. Besides the three
// named verdicts, a trial that raced without deadlocking carries the
// daemon's recorded critical-section hold time as "<n>ms".
type Verdict string

const (
	Deadlock Verdict = "DEADLOCK"
	Crash    Verdict = "CRASH"
	Hang     Verdict = "HANG"
)

// The daemon promises to report its critical-section hold duration with a
// line of the form "[METRIC] Reentrancy hold time: 123ms (circular wait)";
// the shorter "Reentrancy hold 123ms" is accepted too. This is a documented
// contract with the collaborator, not ad hoc scraping; absence of the
// marker is a normal input.
var holdMarker = regexp.MustCompile(`Reentrancy hold(?: time)?:?\s*(\d+)(?:\.\d+)?\s*ms`)

// Hold renders a hold-time verdict.
func Hold(ms int) Verdict {
	return Verdict(strconv.Itoa(ms) + "ms")
}

// HoldMS reports whether v is a hold-time verdict and, if so, its value.
func HoldMS(v Verdict) (int, bool) {
	s, ok := strings.CutSuffix(string(v), "ms")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ParseHold extracts the most recent hold-time marker from the daemon log.
func ParseHold(daemonLog string) (int, bool) {
	matches := holdMarker.FindAllStringSubmatch(daemonLog, -1)
	if len(matches) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Classify turns one trial's observations into its verdict. It is a pure
// function of its three inputs.
//
// A single blocked trigger yields DEADLOCK no matter what the other signals
// say: the D state is a direct kernel observation, while the remaining
// verdicts are inferred from indirect ones. With nothing blocked, a hold
// marker means the race completed and the duration is the verdict,
// regardless of whether the daemon survived afterwards. Otherwise a dead
// daemon is a CRASH and a live-but-silent one is a HANG; the latter is
// inconclusive, not a deadlock.
func Classify(blocked int, daemonLog string, daemonAlive bool) Verdict {
	if blocked > 0 {
		return Deadlock
	}
	if ms, ok := ParseHold(daemonLog); ok {
		return Hold(ms)
	}
	if !daemonAlive {
		return Crash
	}
	return Hang
}
