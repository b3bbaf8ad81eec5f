// Package version exposes build metadata of finalize-ostree-uki.
//
// Version, Commit and BuildTime are injected at build time via Go ldflags.
// Short falls back to the module version recorded by the toolchain.
package version
