//go:build ruleguard

package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// ModuleLogger flags printing from library packages. Packages log through
// their GetLogger module logger.
func ModuleLogger(m dsl.Matcher) {
	m.Match(
		`log.Printf($*_)`,
		`log.Println($*_)`,
		`log.Print($*_)`,
		`fmt.Printf($*_)`,
		`fmt.Println($*_)`,
	).
		Where(m.File().PkgPath.Matches(`/(internal|pkg)/`)).
		Report("log through the package GetLogger() instead of printing")
}

// LoggerErrorField flags errors stringified into log fields.
func LoggerErrorField(m dsl.Matcher) {
	m.Match(`logger.String($key, $err.Error())`).
		Where(m["err"].Type.Implements("error")).
		Report("use logger.Error($err)").
		Suggest("logger.Error($err)")
}
