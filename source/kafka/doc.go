// Package kafka reads topics straight from partition leaders, without a
// consumer group. An Orchestrator groups partitions by leader and runs one
// LeaderReader per group; each reader resolves its starting offsets through
// a Locator, by timestamp or by binary search over record content, and then
// polls with exponential backoff until its handlers stop, it idles out or
// the context is cancelled.
package kafka
