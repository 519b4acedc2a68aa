// Package version carries build metadata set with -ldflags.
package version

var (
	Value  = "dev"
	Commit = "none"
	Date   = "unknown"
)

// String is the one-line form printed by `gateway version`.
func String() string {
	return Value + " (" + Commit + ", " + Date + ")"
}
