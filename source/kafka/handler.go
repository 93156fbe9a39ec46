package kafka

// Handler consumes the records of one partition. Returning false stops the
// partition; a non-nil error fails the whole leader group.
type Handler interface {
	Handle(p PartitionRef, m Message) (bool, error)
}

type HandlerFunc func(p PartitionRef, m Message) (bool, error)

func (f HandlerFunc) Handle(p PartitionRef, m Message) (bool, error) { return f(p, m) }

// HandlerFactory creates the handler for a partition on its first record.
// A nil Handler drops the partition.
type HandlerFactory interface {
	NewHandler(p PartitionRef) Handler
}

type HandlerFactoryFunc func(p PartitionRef) Handler

func (f HandlerFactoryFunc) NewHandler(p PartitionRef) Handler { return f(p) }

// Shared returns a factory handing the same handler to every partition.
func Shared(h Handler) HandlerFactory {
	return HandlerFactoryFunc(func(PartitionRef) Handler { return h })
}
