package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter is the interface for reporting errors to telemetry
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

// ErrorHook is called for every EnhancedError built while reporting is active
type ErrorHook func(ee *EnhancedError)

var (
	telemetryReporter TelemetryReporter
	errorHooks        []ErrorHook
	reporterMu        sync.RWMutex
)

// SetTelemetryReporter sets the global telemetry reporter. Passing nil disables reporting.
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	telemetryReporter = reporter
	updateActiveReporting()
}

// AddErrorHook registers a hook invoked for every built error.
func AddErrorHook(hook ErrorHook) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	errorHooks = append(errorHooks, hook)
	updateActiveReporting()
}

// ClearErrorHooks removes all registered hooks.
func ClearErrorHooks() {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	errorHooks = nil
	updateActiveReporting()
}

// updateActiveReporting must be called with reporterMu held.
func updateActiveReporting() {
	active := len(errorHooks) > 0 || (telemetryReporter != nil && telemetryReporter.IsEnabled())
	hasActiveReporting.Store(active)
}

// reportToTelemetry hands the error to hooks and the reporter
func reportToTelemetry(ee *EnhancedError) {
	reporterMu.RLock()
	reporter := telemetryReporter
	hooks := errorHooks
	reporterMu.RUnlock()

	for _, hook := range hooks {
		hook(ee)
	}

	if reporter == nil || !reporter.IsEnabled() || ee.IsReported() {
		return
	}

	reporter.ReportError(ee)
	ee.MarkReported()
}

// SentryReporter implements TelemetryReporter using Sentry
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// IsEnabled returns whether telemetry reporting is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError reports an enhanced error to Sentry with privacy protection
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.Err))

		for key, value := range ee.GetContext() {
			scope.SetContext(key, map[string]any{"value": value})
		}

		event := sentry.NewEvent()
		event.Message = ScrubMessage(ee.Err.Error())
		event.Level = getErrorLevel(ee)
		event.Exception = []sentry.Exception{{
			Type:  generateErrorTitle(ee),
			Value: ScrubMessage(ee.Err.Error()),
		}}
		event.Fingerprint = []string{ee.GetComponent(), string(ee.Category)}

		sentry.CaptureEvent(event)
	})
}

// generateErrorTitle creates a grouping-friendly title for an error
func generateErrorTitle(ee *EnhancedError) string {
	return fmt.Sprintf("%s %s Error", titleCase(ee.GetComponent()), formatCategoryForTitle(ee.Category))
}

// formatCategoryForTitle converts "model-loading" into "Model Loading"
func formatCategoryForTitle(category ErrorCategory) string {
	parts := strings.Split(string(category), "-")
	for i, p := range parts {
		parts[i] = titleCase(p)
	}
	return strings.Join(parts, " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// getErrorLevel maps the explicit priority or category to a Sentry level
func getErrorLevel(ee *EnhancedError) sentry.Level {
	switch ee.Priority {
	case PriorityCritical:
		return sentry.LevelFatal
	case PriorityHigh:
		return sentry.LevelError
	case PriorityMedium:
		return sentry.LevelWarning
	case PriorityLow:
		return sentry.LevelInfo
	}

	switch ee.Category {
	case CategoryModelInit, CategoryModelLoad, CategoryInference, CategorySystem:
		return sentry.LevelError
	case CategoryValidation, CategoryConfiguration, CategoryCancel:
		return sentry.LevelInfo
	default:
		return sentry.LevelWarning
	}
}

var (
	urlPattern  = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://[^\s]+`)
	pathPattern = regexp.MustCompile(`(?:/[\w.\-]+){2,}`)
	ipPattern   = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)
)

// ScrubMessage removes URLs, absolute paths and IP addresses from a message
func ScrubMessage(message string) string {
	message = urlPattern.ReplaceAllStringFunc(message, basicURLScrub)
	message = pathPattern.ReplaceAllString(message, "[path]")
	return ipPattern.ReplaceAllString(message, "[ip]")
}

// basicURLScrub keeps only the scheme of a URL
func basicURLScrub(url string) string {
	if idx := strings.Index(url, "://"); idx > 0 {
		return url[:idx] + "://[redacted]"
	}
	return "[redacted]"
}
