// Package protocol owns the reader-link Message and its wire codec.
//
// Ownership boundary:
// - Message/Action contract
// - frame + tlv encoding of a Message
// - malformed input classification
package protocol
