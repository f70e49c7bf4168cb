package session

import "errors"

// errEndOfStream is returned by Stream.Read once the remote FIN has been
// processed and every buffered byte has been delivered.
var errEndOfStream = errors.New("session: end of stream")

// EndOfStream reports whether err signals stream end-of-stream.
func EndOfStream(err error) bool { return errors.Is(err, errEndOfStream) }
