package delivery

import (
	"context"
	"errors"
	"time"
)

// Options selects the sinks to build. A sink is enabled by setting its
// address (endpoint, brokers, url).
type Options struct {
	Timeout time.Duration
	Backlog int

	MinIO MinIOOptions

	KafkaBrokers []string
	KafkaTopic   string

	PostgresURL     string
	PostgresMigrate bool
}

// Enabled reports whether any sink is configured.
func (o Options) Enabled() bool {
	return o.MinIO.Endpoint != "" || len(o.KafkaBrokers) > 0 || o.PostgresURL != ""
}

// Open builds the configured sinks, upload first so the catalog and event
// carry object keys, and starts a dispatcher over them.
func Open(ctx context.Context, opts Options) (*Dispatcher, error) {
	var sinks []Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if opts.MinIO.Endpoint != "" {
		s, err := NewMinIOSink(ctx, opts.MinIO)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if opts.PostgresURL != "" {
		s, err := NewPostgresCatalog(ctx, opts.PostgresURL, opts.PostgresMigrate)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(opts.KafkaBrokers) > 0 {
		sinks = append(sinks, NewKafkaSink(opts.KafkaBrokers, opts.KafkaTopic))
	}

	if len(sinks) == 0 {
		return nil, errors.New("delivery: no sinks configured")
	}
	return NewDispatcher(sinks, opts.Timeout, opts.Backlog), nil
}
