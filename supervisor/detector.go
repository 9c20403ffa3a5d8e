package supervisor

import (
	"bufio"
	"io"
	"strings"

	"go.uber.org/zap"
)

// Detector watches a child's diagnostics output for the reserved restart
// marker while passing every line through to the session diagnostics sink.
// The child emits the marker from its own restart-request handling and then
// delays its exit by a short grace period so in-flight responses can flush;
// the detector only signals, it never kills.
type Detector struct {
	marker   string
	log      *zap.SugaredLogger
	requests chan struct{}
}

func NewDetector(marker string, log *zap.SugaredLogger) *Detector {
	return &Detector{
		marker:   marker,
		log:      log,
		requests: make(chan struct{}, 1),
	}
}

// Requests delivers one signal per restart request. A marker arriving while
// a request is already pending is deduplicated: only one child instance can
// be replaced at a time.
func (d *Detector) Requests() <-chan struct{} { return d.requests }

// Watch reads r line by line until EOF, forwarding each line to sink. It is
// meant to run on its own goroutine per child so diagnostics reading never
// blocks message forwarding.
func (d *Detector) Watch(r io.Reader, sink io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := io.WriteString(sink, line+"\n"); err != nil {
			d.log.Debugf("forwarding diagnostics line: %s", err)
		}
		if strings.Contains(line, d.marker) {
			select {
			case d.requests <- struct{}{}:
				d.log.Infof("child requested restart (marker %q)", d.marker)
			default:
				d.log.Debug("restart already pending, ignoring duplicate marker")
			}
		}
	}
	if err := scanner.Err(); err != nil {
		d.log.Debugf("diagnostics watcher read error: %s", err)
	}
}
