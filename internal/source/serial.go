package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"backend-routetrack/internal/route"

	"github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialSource reads NMEA 0183 sentences from a GPS receiver attached to a
// serial port. Only RMC and GGA sentences with a valid fix produce samples.
type SerialSource struct {
	portName string
	baudRate int
	log      *zap.Logger
	open     func(name string, mode *serial.Mode) (io.ReadCloser, error)
	now      func() time.Time
}

func NewSerialSource(portName string, baudRate int, log *zap.Logger) *SerialSource {
	if log == nil {
		log = zap.NewNop()
	}
	if baudRate <= 0 {
		baudRate = 9600
	}
	return &SerialSource{
		portName: portName,
		baudRate: baudRate,
		log:      log.Named("serial_source"),
		open:     openSerialPort,
		now:      time.Now,
	}
}

func openSerialPort(name string, mode *serial.Mode) (io.ReadCloser, error) {
	return serial.Open(name, mode)
}

func (s *SerialSource) Subscribe(ctx context.Context) (Subscription, error) {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := s.open(s.portName, mode)
	if err != nil {
		if isPermissionError(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrPermission, s.portName, err)
		}
		return nil, fmt.Errorf("open %s: %w", s.portName, err)
	}

	st := newStream(func() { _ = port.Close() })
	go s.pump(ctx, st, port)
	return st, nil
}

func isPermissionError(err error) bool {
	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PermissionDenied {
		return true
	}
	return errors.Is(err, os.ErrPermission)
}

func (s *SerialSource) pump(ctx context.Context, st *stream, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p, ok := s.parseLine(scanner.Text())
		if !ok {
			continue
		}
		if !st.emit(ctx, p) {
			st.finish(nil)
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	st.finish(&StreamError{Err: err})
}

func (s *SerialSource) parseLine(line string) (route.LocationPoint, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return route.LocationPoint{}, false
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		s.log.Debug("skipping unparsable sentence", zap.String("line", line), zap.Error(err))
		return route.LocationPoint{}, false
	}

	switch m := sentence.(type) {
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return route.LocationPoint{}, false
		}
		return route.LocationPoint{Latitude: m.Latitude, Longitude: m.Longitude, Timestamp: s.now().UnixMilli()}, true
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid {
			return route.LocationPoint{}, false
		}
		return route.LocationPoint{Latitude: m.Latitude, Longitude: m.Longitude, Timestamp: s.now().UnixMilli()}, true
	default:
		return route.LocationPoint{}, false
	}
}
