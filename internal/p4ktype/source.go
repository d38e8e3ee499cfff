package p4ktype

import (
	"io"
	"os"
)

// Handle is an independent random-access view of the container.
type Handle interface {
	io.ReaderAt
	io.Closer
}

// Opener opens independent handles on the container. Each concurrent
// extraction opens its own handle so no read position is ever shared.
type Opener interface {
	OpenHandle() (Handle, error)
}

// FileOpener opens the container at Path with os.Open on every call.
type FileOpener struct {
	Path string
}

// OpenHandle implements Opener.
func (o FileOpener) OpenHandle() (Handle, error) {
	f, err := os.Open(o.Path)
	if err != nil {
		return nil, err
	}
	return f, nil
}
