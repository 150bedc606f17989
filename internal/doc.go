// Package internal contains the packages behind the hotwatch command.
//
// # Package Organization
//
//   - bus: versioned broadcast ring buffer shared by every component
//   - event: the event values carried on the bus
//   - watcher: recursive directory watching (inotify or fsnotify)
//   - runner: runs the build command once per batch of file changes
//   - coordinator: per-connection HTTP, SSE and WebSocket handling
//   - http: response writer, router and reload-script injection
//   - shutdown: quit key, signals and the listener wake-up sentinel
//   - server: binds the listener and wires the components together
//   - config, validation: Viper-backed settings and their checks
//   - errors, logging: structured errors and slog-based logging
//
// Everything flows through one bus: the watcher publishes FileChange, the
// runner publishes CmdFinished, and the coordinator pushes a reload message
// to each live-reload client when a build finishes. Publishing Quit stops
// every component.
package internal
