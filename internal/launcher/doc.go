// Package launcher maps engine type names to the launchers that start and
// connect engines of that type.
//
// A Registry is populated once at startup, from the built-in launchers and
// from plugins, before any simulation runs. Registering a type twice keeps
// the first launcher and logs a warning, so plugin load order never
// replaces a launcher already in use.
package launcher
