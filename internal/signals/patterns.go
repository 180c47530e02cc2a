package signals

import "regexp"

// #region pattern-table

// rule binds a precompiled pattern to the signal it emits.
type rule struct {
	kind     Kind
	category Category
	polarity Polarity
	weight   float64
	re       *regexp.Regexp
}

// userRules run against user input. Compiled once at package init.
var userRules = []rule{
	{KindCorrection, CategoryStructural, Negative, 1.0, regexp.MustCompile(
		`(?i)(^\s*(no|nope|wrong)\b|that'?s (not|wrong|incorrect)|not what i (asked|wanted|meant)|\bi (said|told you|asked for)\b|\binstead\b|\bactually,|\bundo\b|\brevert\b|you (missed|forgot|ignored))`)},
	{KindRetry, CategoryStructural, Negative, 0.7, regexp.MustCompile(
		`(?i)(try again|\bretry\b|one more time|still (not|doesn'?t|broken|failing)|same (error|issue|problem))`)},
	{KindFrustration, CategoryLinguistic, Negative, 1.0, regexp.MustCompile(
		`(?i)(\b(wtf|ugh+|argh+|ffs|omg)\b|this is (ridiculous|frustrating|useless|broken|wrong)|(doesn'?t|does not|didn'?t) work|why (did|would|are|do) you|stop (doing|changing|touching)|!{2,}|\?{2,})`)},
	{KindSuccess, CategoryLinguistic, Positive, 1.0, regexp.MustCompile(
		`(?i)(\b(thanks|thank you|perfect|awesome|excellent|lgtm)\b|works (now|great|perfectly)|that (fixed|did) it|looks (good|great))`)},
	{KindTaskBoundary, CategoryStructural, Neutral, 1.0, regexp.MustCompile(
		`(?i)(\b(next|now),? (let'?s|we|i want|can you)\b|moving on|new task|let'?s move on|on to the next|one more thing)`)},
}

// toolRules run against tool output.
var toolRules = []rule{
	{KindTestFail, CategoryToolOutcome, Negative, 1.0, regexp.MustCompile(
		`(?m)(^--- FAIL|^FAIL\b|\b\d+ failed\b|(?i:tests? failed)|\bFAILED\b|AssertionError|✗)`)},
	{KindBuildFail, CategoryToolOutcome, Negative, 1.0, regexp.MustCompile(
		`(error\[E\d+\]|error TS\d+|(?i:compilation failed|build failed)|cannot find symbol|undefined: \w+|SyntaxError|npm ERR!|make: \*\*\*)`)},
	{KindToolFailure, CategoryToolOutcome, Negative, 1.0, regexp.MustCompile(
		`(Traceback \(most recent call last\)|panic: |Exception in thread|Unhandled exception|command not found|(?i:permission denied))`)},
	{KindTestPass, CategoryToolOutcome, Positive, 1.0, regexp.MustCompile(
		`(?m)(^PASS$|^ok\s+\S+|\b\d+ passed\b|(?i:all tests passed)|test result: ok)`)},
	{KindBuildPass, CategoryToolOutcome, Positive, 1.0, regexp.MustCompile(
		`((?i:build succeeded|compiled successfully)|BUILD SUCCESSFUL|Finished (dev|release|test)|Successfully built)`)},
	{KindCommit, CategoryStructural, Positive, 0.5, regexp.MustCompile(
		`(\[[\w./-]+( \(root-commit\))? [0-9a-f]{7,40}\]|create mode \d{6})`)},
}

// maxPatternLen bounds the matched text kept on a signal.
const maxPatternLen = 64

// #endregion pattern-table
