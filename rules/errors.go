//go:build ruleguard

package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// EnhancedErrors keeps library packages on the internal errors package so
// failures carry a component and a category.
func EnhancedErrors(m dsl.Matcher) {
	m.Import("errors")

	m.Match(`errors.New($msg)`).
		Where(m.File().PkgPath.Matches(`/internal/`) &&
			!m.File().PkgPath.Matches(`/internal/errors$`) &&
			!m.File().Name.Matches(`_test\.go$`) &&
			m["msg"].Type.Is("string")).
		Report("use errors.NewStd for sentinels, or the internal errors builder for categorized failures")
}

// ErrorStringCompare flags matching on error text.
func ErrorStringCompare(m dsl.Matcher) {
	m.Match(
		`$err.Error() == $s`,
		`strings.Contains($err.Error(), $s)`,
	).
		Where(m["err"].Type.Implements("error") && !m.File().Name.Matches(`_test\.go$`)).
		Report("compare errors with errors.Is or errors.As, not by message")
}

// ContextErrCategory reminds callers that cancellation has its own category.
func ContextErrCategory(m dsl.Matcher) {
	m.Match(
		`errors.New($err).$*_.Category(errors.CategoryInference).$*_.Build()`,
	).
		Where(m["err"].Text.Matches(`ctx\.Err\(\)`)).
		Report("context errors are classified as CategoryCancel")
}
