// Package ir turns parsed cell annotations into a CompiledService: the
// typed, validated, immutable route, socket and schedule tables the
// runtime serves.
//
// Build stops at the first invalid annotation. Every error is a
// *cell.Error carrying the offending cell's location; duplicate routes
// carry both locations.
package ir
