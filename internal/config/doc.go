// Package config manages coordinator configuration. Values load from
// YAML files, environment variables and command-line arguments, with
// precedence defaults < YAML file < environment < flags. A Watcher keeps
// an immutable snapshot that reloads atomically when the file changes.
package config
