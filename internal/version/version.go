// Package version exposes build version information.
package version

// Version is the engine version, overridden at build time via
// -ldflags "-X github.com/quantfold/tradecore/internal/version.Version=...".
var Version = "dev"
