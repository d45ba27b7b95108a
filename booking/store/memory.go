// Package store provides an in-memory booking.Store for tests and demos.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/clinic-engine/booking"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one lock. WithTx holds the
// write lock for the whole unit of work, which makes it the single writer
// for the calendar and the ledger.
type Memory struct {
	mu           sync.RWMutex
	patients     map[booking.PatientID]booking.Patient
	appointments map[booking.AppointmentID]booking.Appointment
	packs        map[booking.PackID]booking.CreditPack
	redemptions  map[booking.RedemptionID]booking.CreditRedemption
}

var _ booking.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		patients:     make(map[booking.PatientID]booking.Patient),
		appointments: make(map[booking.AppointmentID]booking.Appointment),
		packs:        make(map[booking.PackID]booking.CreditPack),
		redemptions:  make(map[booking.RedemptionID]booking.CreditRedemption),
	}
}

func (m *Memory) Patients() booking.PatientRepository         { return &patientRepo{view{m: m}} }
func (m *Memory) Appointments() booking.AppointmentRepository { return &appointmentRepo{view{m: m}} }
func (m *Memory) Packs() booking.CreditPackRepository         { return &packRepo{view{m: m}} }
func (m *Memory) Redemptions() booking.RedemptionRepository   { return &redemptionRepo{view{m: m}} }

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(booking.Repos) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := m.snapshot()
	if err := fn(&txView{view{m: m, inTx: true}}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	m.restore(memorySnapshot{
		patients:     make(map[booking.PatientID]booking.Patient),
		appointments: make(map[booking.AppointmentID]booking.Appointment),
		packs:        make(map[booking.PackID]booking.CreditPack),
		redemptions:  make(map[booking.RedemptionID]booking.CreditRedemption),
	})
	return nil
}

type memorySnapshot struct {
	patients     map[booking.PatientID]booking.Patient
	appointments map[booking.AppointmentID]booking.Appointment
	packs        map[booking.PackID]booking.CreditPack
	redemptions  map[booking.RedemptionID]booking.CreditRedemption
}

func (m *Memory) snapshot() memorySnapshot {
	return memorySnapshot{
		patients:     cloneMap(m.patients),
		appointments: cloneMap(m.appointments),
		packs:        cloneMap(m.packs),
		redemptions:  cloneMap(m.redemptions),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.patients = s.patients
	m.appointments = s.appointments
	m.packs = s.packs
	m.redemptions = s.redemptions
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// =============================================================================
// VIEWS
// =============================================================================

// view locks only when used outside WithTx; inside, the transaction
// already holds the write lock.
type view struct {
	m    *Memory
	inTx bool
}

func (v view) read() func() {
	if v.inTx {
		return func() {}
	}
	v.m.mu.RLock()
	return v.m.mu.RUnlock
}

func (v view) write() func() {
	if v.inTx {
		return func() {}
	}
	v.m.mu.Lock()
	return v.m.mu.Unlock
}

type txView struct{ v view }

func (t *txView) Patients() booking.PatientRepository         { return &patientRepo{t.v} }
func (t *txView) Appointments() booking.AppointmentRepository { return &appointmentRepo{t.v} }
func (t *txView) Packs() booking.CreditPackRepository         { return &packRepo{t.v} }
func (t *txView) Redemptions() booking.RedemptionRepository   { return &redemptionRepo{t.v} }

// =============================================================================
// PATIENTS
// =============================================================================

type patientRepo struct{ view }

func (r *patientRepo) Get(_ context.Context, id booking.PatientID) (*booking.Patient, error) {
	defer r.read()()
	p, ok := r.m.patients[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *patientRepo) List(_ context.Context) ([]booking.Patient, error) {
	defer r.read()()
	out := make([]booking.Patient, 0, len(r.m.patients))
	for _, p := range r.m.patients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *patientRepo) Create(_ context.Context, p booking.Patient) error {
	defer r.write()()
	if _, exists := r.m.patients[p.ID]; exists {
		return fmt.Errorf("patient %s already exists", p.ID)
	}
	r.m.patients[p.ID] = p
	return nil
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type appointmentRepo struct{ view }

func (r *appointmentRepo) Get(_ context.Context, id booking.AppointmentID) (*booking.Appointment, error) {
	defer r.read()()
	a, ok := r.m.appointments[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func matches(a booking.Appointment, f booking.AppointmentFilter) bool {
	if f.PatientID != "" && a.PatientID != f.PatientID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.From != nil && a.Start.Before(*f.From) {
		return false
	}
	if f.To != nil && a.End.After(*f.To) {
		return false
	}
	return true
}

func (r *appointmentRepo) filtered(f booking.AppointmentFilter) []booking.Appointment {
	var out []booking.Appointment
	for _, a := range r.m.appointments {
		if matches(a, f) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *appointmentRepo) List(_ context.Context, f booking.AppointmentFilter) ([]booking.Appointment, error) {
	defer r.read()()
	return paginate(r.filtered(f), f.Limit, f.Offset), nil
}

func (r *appointmentRepo) Count(_ context.Context, f booking.AppointmentFilter) (int, error) {
	defer r.read()()
	return len(r.filtered(f)), nil
}

func (r *appointmentRepo) FindOverlapping(_ context.Context, start, end time.Time, excludeID booking.AppointmentID) (*booking.Appointment, error) {
	defer r.read()()
	booked := r.filtered(booking.AppointmentFilter{Status: booking.StatusBooked})
	for _, a := range booked {
		if a.ID == excludeID {
			continue
		}
		if booking.Overlaps(start, end, a.Start, a.End) {
			return &a, nil
		}
	}
	return nil, nil
}

func (r *appointmentRepo) Create(_ context.Context, a booking.Appointment) error {
	defer r.write()()
	if _, exists := r.m.appointments[a.ID]; exists {
		return fmt.Errorf("appointment %s already exists", a.ID)
	}
	a.Paid = false
	r.m.appointments[a.ID] = a
	return nil
}

func (r *appointmentRepo) Update(_ context.Context, a booking.Appointment) error {
	defer r.write()()
	if _, exists := r.m.appointments[a.ID]; !exists {
		return fmt.Errorf("appointment %s: %w", a.ID, booking.ErrNotFound)
	}
	a.Paid = false
	r.m.appointments[a.ID] = a
	return nil
}

func (r *appointmentRepo) Delete(_ context.Context, id booking.AppointmentID) error {
	defer r.write()()
	delete(r.m.appointments, id)
	return nil
}

// =============================================================================
// CREDIT PACKS
// =============================================================================

type packRepo struct{ view }

func (r *packRepo) Get(_ context.Context, id booking.PackID) (*booking.CreditPack, error) {
	defer r.read()()
	p, ok := r.m.packs[id]
	if !ok {
		return nil, nil
	}
	p = booking.NormalizePack(p)
	return &p, nil
}

func sortPacksByAge(packs []booking.CreditPack) {
	sort.Slice(packs, func(i, j int) bool {
		if !packs[i].CreatedAt.Equal(packs[j].CreatedAt) {
			return packs[i].CreatedAt.Before(packs[j].CreatedAt)
		}
		return packs[i].ID < packs[j].ID
	})
}

func (r *packRepo) ListByPatient(_ context.Context, patientID booking.PatientID) ([]booking.CreditPack, error) {
	defer r.read()()
	var out []booking.CreditPack
	for _, p := range r.m.packs {
		if p.PatientID == patientID {
			out = append(out, booking.NormalizePack(p))
		}
	}
	sortPacksByAge(out)
	return out, nil
}

func (r *packRepo) ListAll(_ context.Context) ([]booking.CreditPack, error) {
	defer r.read()()
	out := make([]booking.CreditPack, 0, len(r.m.packs))
	for _, p := range r.m.packs {
		out = append(out, p)
	}
	sortPacksByAge(out)
	return out, nil
}

func (r *packRepo) Create(_ context.Context, p booking.CreditPack) error {
	defer r.write()()
	if _, exists := r.m.packs[p.ID]; exists {
		return fmt.Errorf("credit pack %s already exists", p.ID)
	}
	r.m.packs[p.ID] = p
	return nil
}

func (r *packRepo) SetUnitsRemaining(_ context.Context, id booking.PackID, units int) error {
	defer r.write()()
	p, ok := r.m.packs[id]
	if !ok {
		return fmt.Errorf("credit pack %s: %w", id, booking.ErrNotFound)
	}
	if units < 0 || units > p.UnitsTotal {
		return fmt.Errorf("credit pack %s: remaining %d outside [0, %d]", id, units, p.UnitsTotal)
	}
	p.UnitsRemaining = units
	r.m.packs[id] = p
	return nil
}

func (r *packRepo) SetPaid(_ context.Context, id booking.PackID, paid bool) error {
	defer r.write()()
	p, ok := r.m.packs[id]
	if !ok {
		return fmt.Errorf("credit pack %s: %w", id, booking.ErrNotFound)
	}
	p.Paid = paid
	r.m.packs[id] = p
	return nil
}

func (r *packRepo) Delete(_ context.Context, id booking.PackID) error {
	defer r.write()()
	delete(r.m.packs, id)
	return nil
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

type redemptionRepo struct{ view }

func (r *redemptionRepo) collect(keep func(booking.CreditRedemption) bool) []booking.CreditRedemption {
	var out []booking.CreditRedemption
	for _, red := range r.m.redemptions {
		if keep(red) {
			out = append(out, red)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *redemptionRepo) ListByAppointment(_ context.Context, id booking.AppointmentID) ([]booking.CreditRedemption, error) {
	defer r.read()()
	return r.collect(func(red booking.CreditRedemption) bool { return red.AppointmentID == id }), nil
}

func (r *redemptionRepo) ListByPack(_ context.Context, id booking.PackID) ([]booking.CreditRedemption, error) {
	defer r.read()()
	return r.collect(func(red booking.CreditRedemption) bool { return red.PackID == id }), nil
}

func (r *redemptionRepo) ListByPatient(_ context.Context, patientID booking.PatientID, limit, offset int) ([]booking.CreditRedemption, int, error) {
	defer r.read()()
	all := r.collect(func(red booking.CreditRedemption) bool {
		p, ok := r.m.packs[red.PackID]
		return ok && p.PatientID == patientID
	})
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return paginate(all, limit, offset), len(all), nil
}

func (r *redemptionRepo) Create(_ context.Context, red booking.CreditRedemption) error {
	defer r.write()()
	if _, ok := r.m.packs[red.PackID]; !ok {
		return fmt.Errorf("credit pack %s: %w", red.PackID, booking.ErrNotFound)
	}
	if _, ok := r.m.appointments[red.AppointmentID]; !ok {
		return fmt.Errorf("appointment %s: %w", red.AppointmentID, booking.ErrNotFound)
	}
	r.m.redemptions[red.ID] = red
	return nil
}

func (r *redemptionRepo) DeleteByAppointment(_ context.Context, id booking.AppointmentID) error {
	defer r.write()()
	for rid, red := range r.m.redemptions {
		if red.AppointmentID == id {
			delete(r.m.redemptions, rid)
		}
	}
	return nil
}

func (r *redemptionRepo) DeleteByPack(_ context.Context, id booking.PackID) error {
	defer r.write()()
	for rid, red := range r.m.redemptions {
		if red.PackID == id {
			delete(r.m.redemptions, rid)
		}
	}
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
