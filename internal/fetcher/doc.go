// Package fetcher implements the fetch controller: a bounded retry loop with
// randomized pacing and two independent identity rotation triggers.
//
// Periodic rotation fires every RotateEvery calls to Fetch, whatever the
// outcome of the fetch that follows. Reactive rotation fires on a 429 (after
// the cooldown) and on any other failure except the final attempt (before
// the backoff). Transports live in the colly and headless subpackages.
package fetcher
