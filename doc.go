// Package modelq is a backend-agnostic declarative model layer and
// query engine. Models are described by explicit descriptors (field
// table, primary key, backend, signal bus); queries are built with an
// immutable, chainable QuerySet whose filter, ordering, pagination and
// relation-resolution intent compiles into a single normalized options
// shape that pluggable backends execute.
//
// Three backend families ship under adapters/: an in-memory map store,
// a SQLite-backed local store, and a GraphQL network backend. All
// interpret the same filter grammar, either natively or through the
// match and lookup packages.
package modelq
