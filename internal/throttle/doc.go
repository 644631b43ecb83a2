// Package throttle caps the throughput of a byte stream.
//
// A Reader wraps any io.Reader with a bytes-per-second ceiling enforced by a
// token bucket. Reads that would exceed the ceiling suspend the caller until
// enough allowance has accumulated. The ceiling can be changed at any time
// with SetLimit and takes effect on the next read, so a long-running transfer
// never has to be restarted to pick up a new bandwidth share.
//
// A limit of Unlimited (or any value <= 0) disables throttling.
package throttle
