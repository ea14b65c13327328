package publisher

// Publisher announces newly persisted listings to downstream consumers
// (the notifier side). Announcements are best-effort; a failed publish never
// fails the poll that produced the listing.
type Publisher interface {
	// Publish publishes one listing payload to the stream for a source
	Publish(source string, message []byte) error

	// TrimStreams trims all streams to the configured maximum length
	TrimStreams() error

	// Close closes the publisher connection
	Close() error
}
