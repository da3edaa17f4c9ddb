// Package delivery is the Delivery Worker: given one due reminder it resolves
// destinations and sends through every enabled channel with bounded retries,
// a per-channel rate limiter and a per-channel circuit breaker.
//
// Retry policy per channel:
//   - up to Attempts sends, each bounded by AttemptTimeout
//   - a fixed RetryDelay between attempts
//   - channel.Permanent errors stop retrying immediately
package delivery
