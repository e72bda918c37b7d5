package probe

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Direction selects which side of the TCP stream is measured.
type Direction string

const (
	// DirectionSend hooks tcp_sendmsg and counts bytes written by the process.
	DirectionSend Direction = "send"
	// DirectionRecv hooks tcp_cleanup_rbuf and counts bytes read by the process.
	DirectionRecv Direction = "recv"
)

// ErrUnknownDirection is returned for a Direction other than send or recv.
var ErrUnknownDirection = errors.New("unknown probe direction")

func (d Direction) kprobe() (string, error) {
	switch d {
	case DirectionSend, "":
		return "tcp_sendmsg", nil
	case DirectionRecv:
		return "tcp_cleanup_rbuf", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDirection, string(d))
}

// Options configures Load.
type Options struct {
	// ObjectPath is the compiled tcp_metrics.o.
	ObjectPath string
	// TargetPort keeps only connections with this source or destination port.
	// 0 keeps everything.
	TargetPort uint16
	Direction  Direction
	Logger     logrus.FieldLogger
}
