package blob

import (
	"context"
	"fmt"
)

// Options selects and configures a Store.
type Options struct {
	Driver Driver
	Root   string
	S3     S3Config
}

// Open returns the Store described by opts. The filesystem driver is the
// default.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverFilesystem:
		return NewFS(opts.Root)
	case DriverS3:
		return NewS3(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", opts.Driver)
	}
}
