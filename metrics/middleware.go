package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Middleware records HTTPRequestsTotal and HTTPRequestDuration for every
// request passing through. Duration is measured to the response header so
// that long-lived event streams do not skew it.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, start: time.Now()}
		next.ServeHTTP(rec, r)
		code, elapsed := rec.result()
		m.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	start time.Time

	once    sync.Once
	code    int
	elapsed time.Duration
}

func (s *statusRecorder) mark(code int) {
	s.once.Do(func() {
		s.code = code
		s.elapsed = time.Since(s.start)
	})
}

func (s *statusRecorder) result() (int, time.Duration) {
	s.mark(http.StatusOK)
	return s.code, s.elapsed
}

func (s *statusRecorder) WriteHeader(code int) {
	s.mark(code)
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.mark(http.StatusOK)
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		s.mark(http.StatusOK)
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
