// Package grants stores permission grant records: who may (or may not)
// perform which actions on which resources.
//
// A grant binds a subject (user, role, or group) to an action set on a
// resource, with an allow or deny effect, an inheritance mode controlling
// whether it reaches descendant resources, optional condition predicates,
// a validity window, and a priority for tie-breaking. Evaluation over the
// resource tree lives in the authz package; this package owns persistence,
// validation, search, and statistics.
//
// Deletes are soft: the evaluator only ever sees live rows, and a
// separate purge removes soft-deleted rows for good.
package grants
