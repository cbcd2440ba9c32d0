package audit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/remembr/memorial-call/internal/model"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subj string, data []byte) error
}

type NATSSink struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// ConnectNATS dials url and returns a sink publishing to subject.
func ConnectNATS(url, subject string, opts ...nats.Option) (*NATSSink, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSSink{pub: nc, subject: subject, conn: nc}, nil
}

func (s *NATSSink) AppendTerminalRecord(ctx context.Context, sum model.Summary) error {
	if s == nil || s.pub == nil {
		return errors.New("nil nats sink")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.subject, data)
}

func (s *NATSSink) Close() {
	if s == nil || s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}
