// Package dedupe recognises repeated deliveries of the same Slack event
// within a configurable window. Socket Mode retries unacknowledged or slow
// envelopes, and relaying a retry would send the same command to Almond twice.
package dedupe
