// Package events implements a small in-process pub/sub broker used to
// surface entity writes and deletes and normalization decisions to
// observers without coupling those components to a specific consumer.
package events
