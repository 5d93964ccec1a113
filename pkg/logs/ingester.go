package logs

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/wire"
)

// Ingester is the actor reading the log ingress socket. Each worker holds
// one connection; chunks flow through the pipeline in arrival order.
type Ingester struct {
	pipeline   *Pipeline
	onComplete func(jobID int64)
	logger     zerolog.Logger
}

// NewIngester wires the pipeline to the socket. onComplete fires after a
// stream closes, typically to kick the archiver; it may be nil.
func NewIngester(pipeline *Pipeline, onComplete func(jobID int64)) *Ingester {
	return &Ingester{
		pipeline:   pipeline,
		onComplete: onComplete,
		logger:     log.WithComponent("log-ingester"),
	}
}

// Serve accepts connections until ctx is canceled.
func (i *Ingester) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go i.serveConn(ctx, wire.NewConn(nc))
	}
}

func (i *Ingester) serveConn(ctx context.Context, conn *wire.Conn) {
	defer conn.Close()
	for {
		tag, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				i.logger.Debug().Err(err).Msg("log connection closed")
			}
			return
		}

		switch tag {
		case wire.TagLogChunk:
			var chunk wire.LogChunk
			if err := wire.Decode(payload, &chunk); err != nil {
				i.logger.Warn().Err(err).Msg("malformed log chunk")
				continue
			}
			if err := i.pipeline.Ingest(&chunk); err != nil {
				i.logger.Error().Err(err).Int64("job_id", chunk.JobID).Msg("failed to ingest log chunk")
			}
		case wire.TagLogComplete:
			var complete wire.LogComplete
			if err := wire.Decode(payload, &complete); err != nil {
				i.logger.Warn().Err(err).Msg("malformed log complete")
				continue
			}
			if err := i.pipeline.Complete(complete.JobID); err != nil {
				i.logger.Error().Err(err).Int64("job_id", complete.JobID).Msg("failed to complete log stream")
				continue
			}
			if i.onComplete != nil {
				i.onComplete(complete.JobID)
			}
		default:
			i.logger.Warn().Str("tag", string(tag)).Msg("unexpected message on log socket")
		}
	}
}
