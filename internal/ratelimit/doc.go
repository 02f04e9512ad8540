// Package ratelimit is the admission controller in front of the CMS studio.
//
// Each client gets a fixed window: the first request opens it, every request
// inside it increments one counter, and the first request at or after
// windowStart+W replaces it with a fresh window. Past MaxRequests in a window
// the client is denied with 429 until the window ends.
//
// State is a single in-memory map behind one mutex. Running more than one
// instance multiplies the effective limit by the instance count; a shared
// counter store would be needed for that and is deliberately not provided.
//
// What this does protect against:
//   - one address hammering the studio login and editor bundle
//   - log spam, a denied client is logged once per window and counted always
//
// What this does NOT protect against:
//   - distributed attacks across many addresses
//   - anything outside the protected prefix, the public site is not limited
package ratelimit
