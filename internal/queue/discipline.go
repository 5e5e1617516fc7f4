package queue

import "log/slog"

// Discipline is the pair of serial contexts owned by one codec session.
// Work serializes ingest and teardown; Delivery invokes the consumer.
// Nothing orders one Discipline against another.
type Discipline struct {
	Work     *Serial
	Delivery *Serial
}

// NewDiscipline starts both contexts, labelled "<name>-work" and
// "<name>-delivery".
func NewDiscipline(name string, log *slog.Logger) *Discipline {
	return &Discipline{
		Work:     NewSerial(name+"-work", log),
		Delivery: NewSerial(name+"-delivery", log),
	}
}

// Close drains and stops the work context first, so that anything it
// hands to Delivery is still accepted, then drains Delivery.
func (d *Discipline) Close() {
	d.Work.Close()
	d.Delivery.Close()
}
