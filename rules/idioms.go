//go:build ruleguard

// Package gorules holds go-ruleguard checks run by golangci-lint.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// WaitGroupGo flags the Add/Done pair around a goroutine; use wg.Go.
func WaitGroupGo(m dsl.Matcher) {
	m.Match(
		`$wg.Add(1); go func() { defer $wg.Done(); $*body }()`,
	).
		Where(m["wg"].Type.Is("sync.WaitGroup") || m["wg"].Type.Is("*sync.WaitGroup")).
		Report("use $wg.Go(func() { ... }) instead of Add(1) and a deferred Done").
		Suggest("$wg.Go(func() { $body })")
}

// RangeOverInt flags counting loops that range over an int would express.
func RangeOverInt(m dsl.Matcher) {
	m.Match(
		`for $i := 0; $i < $n; $i++ { $*body }`,
	).
		Where(m["n"].Type.Is("int") && !m["body"].Contains(`$i`)).
		Report("use for range $n when the index is unused").
		Suggest("for range $n { $body }")

	m.Match(
		`for $i := 0; $i < $n; $i++ { $*body }`,
	).
		Where(m["n"].Type.Is("int") && m["body"].Contains(`$i`) && !m["body"].Contains(`$i = $_`) && !m["body"].Contains(`$i++`)).
		Report("use for $i := range $n").
		Suggest("for $i := range $n { $body }")
}

// MinMaxBuiltin flags float64 round trips for integer min and max.
func MinMaxBuiltin(m dsl.Matcher) {
	m.Match(`int(math.Min(float64($a), float64($b)))`).
		Report("use min($a, $b)").
		Suggest("min($a, $b)")

	m.Match(`int(math.Max(float64($a), float64($b)))`).
		Report("use max($a, $b)").
		Suggest("max($a, $b)")
}

// SlicesClone flags append-to-nil copies.
func SlicesClone(m dsl.Matcher) {
	m.Match(`append([]$t{}, $s...)`).
		Report("use slices.Clone($s)").
		Suggest("slices.Clone($s)")
}
