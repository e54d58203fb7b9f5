package buildinfo

// Version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X github.com/paulschiretz/pgl-vault/pkg/buildinfo.Version=1.0.0"
var Version = "dev"

// Name is the canonical name of the application used for logging and reports.
var Name = "PGL-Vault"

// BinaryName is the executable name, also used as prefix for engine owned files.
var BinaryName = "pgl-vault"
