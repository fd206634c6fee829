// Package pipeline runs the alert relay: a producer reading raw messages
// from a Source into a bounded queue, a consumer that normalizes,
// deduplicates, evaluates policy and enqueues notifications to the outbox,
// the outbox dispatcher, and a maintenance loop for store GC and gauges.
package pipeline
