// Package notify delivers identity lifecycle events (registration,
// re-authentication, revocation, status changes) to observers. Delivery is
// asynchronous and isolated: an observer that fails, panics or hangs never
// affects the request that produced the event.
package notify
