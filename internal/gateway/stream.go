package gateway

import (
	"net/http"
)

// lineSink writes frames as data stream lines on a chunked HTTP response.
// Headers and the 200 status go out with the first frame, so a handler can
// still reply with an error status while nothing has been written.
type lineSink struct {
	w       http.ResponseWriter
	started bool
}

func newLineSink(w http.ResponseWriter) *lineSink {
	return &lineSink{w: w}
}

func (l *lineSink) writeFrame(f Frame) error {
	if !l.started {
		l.started = true
		h := l.w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		h.Set(DataStreamHeader, DataStreamVersion)
		l.w.WriteHeader(http.StatusOK)
	}
	if _, err := l.w.Write(EncodeLine(f)); err != nil {
		return err
	}
	if fl, ok := l.w.(http.Flusher); ok {
		fl.Flush()
	}
	return nil
}
