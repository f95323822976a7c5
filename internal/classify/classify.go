// Package classify maps a captured probe invocation to a single outcome.
//
// Classification is a fixed, ordered rule list: the first matching rule wins.
// The signature matching is deliberately approximate (case-insensitive
// substrings); refining it must not leak into orchestration code.
package classify

import "strings"

// TimeoutExitCode is the conventional exit code of a process killed at its
// wall-clock deadline (the timeout(1) convention).
const TimeoutExitCode = 124

type Outcome string

const (
	OutcomeWorking      Outcome = "working"
	OutcomeHallucinated Outcome = "hallucinated"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeError        Outcome = "error"

	// OutcomeSkipped is never produced by Classify; the harness records it
	// for backends excluded by the skip list.
	OutcomeSkipped Outcome = "skipped"
)

// Oracle reports whether captured output satisfies the probe's success
// condition.
type Oracle func(output string) bool

// MarkerOracle matches when output contains marker as an exact substring.
// An empty marker yields a nil oracle (liveness-only probe).
func MarkerOracle(marker string) Oracle {
	if marker == "" {
		return nil
	}
	return func(output string) bool {
		return strings.Contains(output, marker)
	}
}

var greetingTokens = []string{"hello", "hi ", "hey", "greetings"}

// GreetingOracle is the loose liveness oracle used when no expected marker is
// configured: any greeting token counts as a live response.
func GreetingOracle() Oracle {
	return func(output string) bool {
		lower := strings.ToLower(output)
		for _, token := range greetingTokens {
			if strings.Contains(lower, token) {
				return true
			}
		}
		return false
	}
}

var timeoutSignatures = []string{"timeout", "timed out"}

var errorSignatures = []string{"error", "failed", "not found", "provider"}

func containsAnyFold(output string, signatures []string) bool {
	lower := strings.ToLower(output)
	for _, signature := range signatures {
		if strings.Contains(lower, signature) {
			return true
		}
	}
	return false
}

type rule struct {
	match   func(exitCode int, output string, oracle Oracle) bool
	outcome Outcome
}

// Precedence matters: signature text like "error" can co-occur with a correct
// answer, so the oracle match outranks everything except the timeout sentinel.
var rules = []rule{
	{
		match: func(exitCode int, _ string, _ Oracle) bool {
			return exitCode == TimeoutExitCode
		},
		outcome: OutcomeTimeout,
	},
	{
		match: func(_ int, output string, oracle Oracle) bool {
			return oracle != nil && oracle(output)
		},
		outcome: OutcomeWorking,
	},
	{
		match: func(_ int, output string, _ Oracle) bool {
			return containsAnyFold(output, timeoutSignatures)
		},
		outcome: OutcomeTimeout,
	},
	{
		match: func(exitCode int, output string, _ Oracle) bool {
			return exitCode != 0 || containsAnyFold(output, errorSignatures)
		},
		outcome: OutcomeError,
	},
}

// Classify is total: every input maps to exactly one Outcome. A process that
// exited cleanly without satisfying the oracle and without any failure
// signature claimed success it cannot demonstrate, hence hallucinated.
func Classify(exitCode int, output string, oracle Oracle) Outcome {
	for _, r := range rules {
		if r.match(exitCode, output, oracle) {
			return r.outcome
		}
	}
	return OutcomeHallucinated
}
