package gpio

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/CoilGo/internal/debug"
	"go.bug.st/serial"
)

// DefaultBaudRate is used when no baud rate is configured.
const DefaultBaudRate = 115200

const serialReadTimeout = 1 * time.Second

var errReadTimeout = errors.New("serial read timeout")

// SerialDriver forwards pin operations to a microcontroller over a serial
// line. Each operation is one ASCII line:
//
//	O<pin>        configure as output
//	I<pin>        configure as input
//	W<pin>=<0|1>  write level
//	R<pin>        read level, answered by a "0" or "1" line
type SerialDriver struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
	buf  []byte
}

// NewSerialDriver opens portName (e.g. /dev/ttyACM0) at the given baud rate.
func NewSerialDriver(portName string, baudRate int) (*SerialDriver, error) {
	if portName == "" {
		return nil, errors.New("serial backend requires a port name")
	}
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	debug.Info("Initializing serial GPIO bridge on %s (%d baud)", portName, baudRate)

	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", portName, err)
	}
	return newSerialDriver(port), nil
}

func newSerialDriver(port io.ReadWriteCloser) *SerialDriver {
	return &SerialDriver{port: port}
}

func (s *SerialDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	var cmd string
	switch mode {
	case Input:
		cmd = "I" + strconv.Itoa(pin)
	case Output:
		cmd = "O" + strconv.Itoa(pin)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(cmd)
}

func (s *SerialDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	v := "0"
	if level == High {
		v = "1"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.send("W" + strconv.Itoa(pin) + "=" + v); err != nil {
		return fmt.Errorf("write pin %d: %w", pin, err)
	}
	return nil
}

func (s *SerialDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.send("R" + strconv.Itoa(pin)); err != nil {
		return Low, fmt.Errorf("read pin %d: %w", pin, err)
	}
	line, err := s.readLine()
	if err != nil {
		return Low, fmt.Errorf("read pin %d: %w", pin, err)
	}
	switch line {
	case "0":
		return Low, nil
	case "1":
		return High, nil
	default:
		return Low, fmt.Errorf("read pin %d: unexpected reply %q", pin, line)
	}
}

func (s *SerialDriver) Close() error {
	debug.Trace("GPIO Close (serial bridge)")
	return s.port.Close()
}

func (s *SerialDriver) send(cmd string) error {
	_, err := io.WriteString(s.port, cmd+"\n")
	return err
}

// readLine returns the next non-empty reply line. A zero-length read with no
// error is how the serial port reports an elapsed read timeout.
func (s *SerialDriver) readLine() (string, error) {
	chunk := make([]byte, 16)
	for {
		if i := strings.IndexByte(string(s.buf), '\n'); i >= 0 {
			line := strings.TrimSpace(string(s.buf[:i]))
			s.buf = s.buf[i+1:]
			if line == "" {
				continue
			}
			return line, nil
		}
		n, err := s.port.Read(chunk)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", errReadTimeout
		}
		s.buf = append(s.buf, chunk[:n]...)
	}
}
