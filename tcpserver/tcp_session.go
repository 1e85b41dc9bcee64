package tcpserver

// TCPServerSession is implemented by the handler of one accepted
// connection. The server runs Handle in its own goroutine and forgets the
// session when Handle returns.
type TCPServerSession interface {
	// ID returns the id the server assigned to the connection.
	ID() uint32

	// Handle serves the connection until it ends, including cleanup.
	Handle()

	// Close asks the session to stop. Handle still returns on its own once
	// cleanup is done. Safe to call multiple times.
	//
	// Returns:
	//   - An error if the connection could not be interrupted
	Close() error

	// Send queues one text line for the client. Safe for concurrent use.
	//
	// Parameters:
	//   - line: The frame to send, without terminator
	//
	// Returns:
	//   - An error if the line was dropped
	Send(line string) error
}
