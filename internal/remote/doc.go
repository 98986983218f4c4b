// Package remote is the server side of a reader link. It answers session
// lifecycle and transmit requests against native readers and pushes reader
// disconnect notices to bound clients.
package remote
