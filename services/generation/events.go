package generation

// EventSink receives the events of one generation turn, in order.
//
// Fragment is called zero or more times with text in production
// order. After the last fragment, exactly one of Closed or Failed is
// called, never both, never neither. A sink error aborts delivery of
// later events but never the transcript commit.
type EventSink interface {
	Fragment(content string) error
	Closed() error
	Failed(message string) error
}
