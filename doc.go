// Package daemonctl supervises a single external local daemon: start it on
// demand, stop it, query liveness, and serialize those operations across
// concurrent goroutines and processes that share the same daemon identity.
//
// A Handle is built once with NewHandle and reused for the lifetime of the
// supervising process. Handle.Start, Handle.Stop, Handle.Restart and
// Handle.Connect are safe to call from multiple goroutines, and safe to
// call concurrently from separate OS processes that point at the same
// PIDFilePath/LockFilePath, provided no single process nests exclusive
// calls on the same Handle.
//
// Gotchas
//
// daemonctl does not start, build, or package the daemon it supervises —
// callers provide a StartCommand (and optionally Stop/Restart commands) the
// same way they'd type them at a shell. It does not restart a daemon that
// crashes on its own, rotate its log file, or supervise more than one
// daemon per Handle. It assumes a local, Unix-like target: PID files,
// POSIX signals, and flock(2) are all part of the contract.
package daemonctl
