/*
Package events provides an in-memory event broker for internal pub/sub
notifications: expectation transitions, worker and manager join/disconnect,
and container cron runs. It is separate from pkg/publish, which coalesces
status updates destined for the upstream control plane; this broker is for
fan-out to in-process observers (metrics collectors, debug tooling).

Subscribers get a buffered channel; a full buffer drops the event rather
than blocking the publisher.
*/
package events
