// Package audit provides tamper-evident logging of hierarchy mutations,
// grant changes, and access decisions.
//
// Events are structured records carrying the acting subject, the affected
// resource, and optional before/after change details. Sinks implement the
// Logger interface; the package ships a database sink with search and
// aggregation support, a newline-delimited JSON file sink, and a fan-out
// MultiLogger for writing to several sinks at once. RetentionScheduler
// purges aged events on a cron schedule.
//
// Audit failures never block the operation being audited: callers log the
// failure and continue, so a broken sink degrades observability rather
// than availability.
package audit
