package events

import (
	"encoding/json"
	"fmt"
	"time"

	"yieldo-indexer/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Publisher pushes indexed record updates onto NATS for downstream consumers
// (the scoring pipeline, notification workers). A nil Publisher is valid and
// drops everything, so indexing never depends on the broker being up.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials NATS. An empty URL disables publication and returns nil.
func Connect(url, subjectPrefix string) (*Publisher, error) {
	if url == "" {
		logrus.Info("nats url not configured, event publication disabled")
		return nil, nil
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "yieldo"
	}
	return &Publisher{conn: conn, prefix: subjectPrefix}, nil
}

func (p *Publisher) publish(subject string, payload interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).WithField("subject", subject).Warn("event payload marshal failed")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		logrus.WithError(err).WithField("subject", subject).Warn("event publish failed")
	}
}

// DepositUpserted announces a deposit insert or update.
func (p *Publisher) DepositUpserted(chain string, deposit *models.Deposit) {
	if p == nil {
		return
	}
	p.publish(fmt.Sprintf("%s.%s.deposits", p.prefix, chain), deposit)
}

// WithdrawalUpserted announces a withdrawal insert or update.
func (p *Publisher) WithdrawalUpserted(chain string, withdrawal *models.Withdrawal) {
	if p == nil {
		return
	}
	p.publish(fmt.Sprintf("%s.%s.withdrawals", p.prefix, chain), withdrawal)
}

// SnapshotComputed announces a finished daily snapshot.
func (p *Publisher) SnapshotComputed(snapshot *models.DailySnapshot) {
	if p == nil {
		return
	}
	p.publish(fmt.Sprintf("%s.snapshots", p.prefix), snapshot)
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
