// Package config loads the reactived TOML configuration and watches it for
// changes.
//
// A missing file is not an error: Load returns the defaults so the daemon can
// start with no configuration at all. Durations are written as Go duration
// strings ("300ms", "8ms") and paths may start with "~".
//
// Watch reloads the file on every write and hands the parsed result to a
// callback. Only settings that can change at runtime (validation rules,
// notification rules and the slow write threshold) are expected to be applied
// by that callback; listener addresses and storage settings need a restart.
package config
