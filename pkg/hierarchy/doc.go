// Package hierarchy manages the tree of folder-like resources using a
// nested-set encoding.
//
// Every node carries a [lft, rgt] interval; ancestor intervals strictly
// contain descendant intervals, so subtree and breadcrumb queries are
// single range scans with no recursion. The cost is that structural
// mutations (create, move, copy, purge) shift bounds across many rows,
// which is why they all run through one serialized transaction path: on
// Postgres a serializable transaction holding an advisory lock, on SQLite
// the native single-writer model.
//
// A denormalized materialized path and level are maintained alongside the
// bounds for display and depth filtering; moves and renames rewrite them
// for the whole subtree by prefix substitution in a single UPDATE.
package hierarchy
