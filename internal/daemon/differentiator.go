package daemon

import (
	"govotifier/internal/node"
	"govotifier/internal/proto"
)

type diffState uint8

const (
	awaitingClassification diffState = iota
	classifiedLegacy
	classifiedModern
	classificationFailed
)

func (s diffState) String() string {
	switch s {
	case awaitingClassification:
		return "awaiting"
	case classifiedLegacy:
		return "legacy"
	case classifiedModern:
		return "modern"
	default:
		return "failed"
	}
}

// differentiator decides from the first bytes of a connection which protocol
// the peer speaks. Every byte it sees stays in the session buffer so the
// chosen decoder gets the stream intact.
type differentiator struct {
	sess          *node.Session
	legacyEnabled bool
	blockSize     int
	state         diffState
}

func newDifferentiator(sess *node.Session, legacyEnabled bool, blockSize int) *differentiator {
	return &differentiator{sess: sess, legacyEnabled: legacyEnabled, blockSize: blockSize}
}

// feed buffers p and reports the classification so far.
func (d *differentiator) feed(p []byte) (diffState, error) {
	if d.state != awaitingClassification {
		return d.state, nil
	}
	buf := d.sess.Append(p)
	if len(buf) < proto.ModernMagicSize {
		return d.state, nil
	}
	if proto.HasModernMagic(buf) {
		return d.classify(classifiedModern)
	}
	if len(buf) < d.blockSize {
		return d.state, nil
	}
	if !d.legacyEnabled {
		d.state = classificationFailed
		return d.state, proto.Errorf(proto.ErrLegacyDisabled, "protocol v1 is disabled")
	}
	return d.classify(classifiedLegacy)
}

func (d *differentiator) classify(to diffState) (diffState, error) {
	var err error
	if to == classifiedModern {
		err = d.sess.MarkModern()
	} else {
		err = d.sess.MarkLegacy()
	}
	if err != nil {
		d.state = classificationFailed
		return d.state, err
	}
	d.state = to
	return d.state, nil
}

// abort is called when the stream ends or times out before a decision.
func (d *differentiator) abort(cause error) error {
	d.state = classificationFailed
	return proto.Errorf(proto.ErrUnrecognizedProtocol, "%d bytes before stream ended: %v", len(d.sess.Buffered()), cause)
}

// legacyBlock is the ciphertext once classified legacy. Bytes past the
// block are ignored.
func (d *differentiator) legacyBlock() []byte {
	return d.sess.Buffered()[:d.blockSize]
}
