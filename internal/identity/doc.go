// Package identity manages the egress identity used by outbound fetches.
//
// A Rotator owns one Provider (the tunnel or proxy backend) and performs the
// teardown, select, establish, settle, verify sequence. Rotation is
// best-effort: failures are logged and never returned to the caller, because
// the fetch loop proceeds whether or not a fresh identity was obtained.
package identity
