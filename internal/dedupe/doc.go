// Package dedupe tracks which client-supplied correlation ids have already
// been logged for a conversation, so a re-submitted message is not logged
// twice within a configurable window.
package dedupe
