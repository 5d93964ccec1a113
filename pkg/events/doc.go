/*
Package events provides an in-memory event broker for Foundry's pub/sub messaging.

The broker fans events out from the scheduler, worker manager, and log
pipeline to any number of subscribers. Delivery is best-effort: each
subscriber owns a buffered channel and events are dropped per-subscriber
when that buffer is full, so a stalled consumer can never back-pressure the
actors that publish.

# Event Flow

	scheduler ──┐
	workermgr ──┼─> Publish ─> broker loop ─> subscriber channels
	logs      ──┘

# Event Types

Group lifecycle: group.created, group.dispatching, group.complete,
group.failed, group.canceled.

Job lifecycle: job.dispatched, job.complete, job.failed, job.requeued,
job.canceled.

Worker lifecycle: worker.registered, worker.expired.

Distribution: package.promoted, package.demoted, log.archived.

# Usage

Publishing with context helpers:

	broker.Publish(events.ForJob(events.EventJobComplete, job, "job complete"))

Subscribing:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		// ...
	}

Subscribers see every transition without coupling the actors to their
consumers; a subscriber that falls behind loses events, not liveness.

# Delivery Guarantees

  - Publish never blocks longer than the broker's own buffer admits
  - Per-subscriber buffers absorb bursts (50 events)
  - Slow subscribers lose events rather than stalling publishers
  - Events carry string metadata only; payloads stay in the store
*/
package events
