package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tessera.world/internal/protocol"
)

// TopicPublisher is the broker surface the publisher needs.
type TopicPublisher interface {
	Publish(topic string, payload []byte) error
}

// Topic returns the broker topic scoped to one user of one experience.
func Topic(experienceID, userID string) string {
	return fmt.Sprintf("updates.%s.%s", experienceID, userID)
}

// Publisher turns applied patches into world update events. Publication is
// best-effort: the state write already committed and is authoritative, so a
// broker failure is logged and swallowed — a missed notification is
// recoverable through resync.
type Publisher struct {
	broker TopicPublisher
	log    *logrus.Entry

	events   atomic.Int64
	failures atomic.Int64
}

func NewPublisher(broker TopicPublisher, log *logrus.Entry) *Publisher {
	return &Publisher{broker: broker, log: log}
}

func (p *Publisher) Publish(experienceID, userID, document string, baseVersion, snapshotVersion int64, changes []protocol.ChangeRecord) {
	event := protocol.WorldUpdateMsg{
		Type:            protocol.TypeWorldUpdate,
		ProtocolVersion: protocol.Version,
		ExperienceID:    experienceID,
		UserID:          userID,
		Document:        document,
		BaseVersion:     baseVersion,
		SnapshotVersion: snapshotVersion,
		Changes:         changes,
		Timestamp:       time.Now().UTC(),
	}
	payload, err := protocol.Encode(event)
	if err != nil {
		p.fail(experienceID, userID, err)
		return
	}
	if err := p.broker.Publish(Topic(experienceID, userID), payload); err != nil {
		p.fail(experienceID, userID, err)
		return
	}
	p.events.Add(1)
}

func (p *Publisher) fail(experienceID, userID string, err error) {
	p.failures.Add(1)
	if p.log != nil {
		p.log.WithFields(logrus.Fields{
			"experience_id": experienceID,
			"user_id":       userID,
		}).WithError(err).Warn("world update publish failed")
	}
}

func (p *Publisher) Events() int64   { return p.events.Load() }
func (p *Publisher) Failures() int64 { return p.failures.Load() }
