// Package persistence declares no types of its own; the search, vector, and
// graph backends live in internal/persistence/databases.
package persistence
