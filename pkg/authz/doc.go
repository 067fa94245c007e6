// Package authz decides whether a subject may perform an action on a
// resource. It collects the candidate grants for the subject along the
// resource's ancestor chain, filters them by action, validity window,
// and conditions, ranks survivors by distance from the resource, and
// applies override masking followed by deny-override.
//
// Decisions are cached under a fingerprint that embeds version counters
// for the global namespace, the subject, and the resource's root node.
// Grant and hierarchy mutations bump the relevant counter through an
// Invalidator, so stale entries are never served even before their TTL
// lapses.
//
// Evaluation is fail-closed: storage errors, unknown condition fields,
// and malformed requests all produce a denial with the cause in the
// reason, never an error alongside a usable decision.
package authz
