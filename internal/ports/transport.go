package ports

import "context"

// Transport carries one wire message to the institute and returns its reply.
type Transport interface {
	Exchange(ctx context.Context, msg []byte) ([]byte, error)
	Close() error
}

// Framer lets a stream transport find message boundaries.
type Framer interface {
	HeaderSize() int
	FrameLength(header []byte) (int, error)
}
