package core

// RecordID lets store.Record treat every kind uniformly for generic
// get/put/delete while keeping the concrete entity types in this package.
func (p *Pilot) RecordID() ID          { return p.ID }
func (c *Class) RecordID() ID          { return c.ID }
func (h *Heat) RecordID() ID           { return h.ID }
func (f *Format) RecordID() ID         { return f.ID }
func (p *Profile) RecordID() ID        { return p.ID }
func (r *SavedRace) RecordID() ID      { return r.ID }
func (r *SavedPilotRace) RecordID() ID { return r.ID }
func (l *SavedLap) RecordID() ID       { return l.ID }
func (l *LapSplit) RecordID() ID       { return l.ID }
