// Package relay turns a live stream of provider fragments into a bounded
// sequence of message edits on the output channel. It owns the streaming
// state machine (placeholder, incremental edits, segment rotation on
// overflow, finalization, cancellation and failure notices), the edit-rate
// throttle and the sticky rich-to-raw formatting degradation.
package relay
