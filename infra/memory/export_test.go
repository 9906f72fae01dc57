package memory

import "github.com/0m3kk/eventbank/eventsrc"

// Scan exposes one subscription scan step to tests.
func (l *Ledger) Scan(tag string, position uint64) ([]eventsrc.Record, uint64) {
	batch, scanned, _ := l.tagged(tag, position)
	return batch, scanned
}
