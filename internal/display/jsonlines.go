package display

import (
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"
)

// JSONLines writes every bus event as one JSON document per line.
type JSONLines struct {
	bus *Bus
	w   io.Writer
	log *zap.Logger
}

func NewJSONLines(bus *Bus, w io.Writer, log *zap.Logger) *JSONLines {
	if log == nil {
		log = zap.NewNop()
	}
	return &JSONLines{bus: bus, w: w, log: log.Named("display")}
}

// Run writes events until ctx is done.
func (j *JSONLines) Run(ctx context.Context) {
	ch, unsub := j.bus.Subscribe()
	defer unsub()
	enc := json.NewEncoder(j.w)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				j.log.Warn("write event", zap.Error(err))
			}
		}
	}
}
