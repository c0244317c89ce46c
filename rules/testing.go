//go:build ruleguard

package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// TestContext flags background contexts in tests; t.Context is cancelled
// when the test ends.
func TestContext(m dsl.Matcher) {
	m.Match(`context.Background()`, `context.TODO()`).
		Where(m.File().Name.Matches(`_test\.go$`)).
		Report("use t.Context() in tests")
}

// BenchmarkLoop flags the b.N loop; b.Loop keeps setup out of the timing.
func BenchmarkLoop(m dsl.Matcher) {
	m.Match(`for $i := 0; $i < b.N; $i++ { $*body }`, `for range b.N { $*body }`).
		Report("use for b.Loop() { ... }").
		Suggest("for b.Loop() { $body }")
}

// SleepInTests flags fixed sleeps used for synchronization.
func SleepInTests(m dsl.Matcher) {
	m.Match(`time.Sleep($_)`).
		Where(m.File().Name.Matches(`_test\.go$`)).
		Report("wait with require.Eventually or a channel instead of time.Sleep")
}
