package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/noah-isme/cca-portal-api/internal/models"
	"github.com/noah-isme/cca-portal-api/internal/repository"
)

// fakeLedger is an in-memory ledger. A single mutex serialises transactions,
// and a failed transaction restores the state captured when it began.
type fakeLedger struct {
	mu         sync.Mutex
	activities map[string]models.Activity
	selections map[string]models.Selection

	txCount        int
	findCount      int
	abortNext      int
	failDeleteAt   int
	deleteCalls    int
	deleteBatches  []int64
	resetBatches   []int64
	failListAfter  error
	adjustmentsLog []string

	// registration is the stored flag seen inside transactions; nil means no row.
	registration *bool
	// deleteCaps limits the rows a given delete call removes, as locked rows would.
	deleteCaps map[int]int
	// stallDelete makes delete batches report zero rows without removing anything.
	stallDelete bool
	// beforeTx runs once at the start of the next transaction, under the lock.
	beforeTx func(l *fakeLedger)
	// afterDelete runs after each delete batch, outside the lock.
	afterDelete func(call int)
}

func newFakeLedger(activities ...models.Activity) *fakeLedger {
	l := &fakeLedger{
		activities: make(map[string]models.Activity),
		selections: make(map[string]models.Selection),
	}
	for _, a := range activities {
		l.activities[a.ID] = a
	}
	return l
}

func (l *fakeLedger) WithinTx(ctx context.Context, fn func(tx repository.LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txCount++
	if hook := l.beforeTx; hook != nil {
		l.beforeTx = nil
		hook(l)
	}

	savedActivities := make(map[string]models.Activity, len(l.activities))
	for k, v := range l.activities {
		savedActivities[k] = v
	}
	savedSelections := make(map[string]models.Selection, len(l.selections))
	for k, v := range l.selections {
		savedSelections[k] = v
	}
	savedLog := append([]string(nil), l.adjustmentsLog...)

	err := fn(&fakeTx{l: l})
	if err == nil && l.abortNext > 0 {
		l.abortNext--
		err = &pq.Error{Code: "40001", Message: "could not serialize access"}
	}
	if err != nil {
		l.activities = savedActivities
		l.selections = savedSelections
		l.adjustmentsLog = savedLog
	}
	return err
}

func (l *fakeLedger) FindSelection(ctx context.Context, studentID string) (*models.Selection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.findCount++
	return l.selectionLocked(studentID), nil
}

func (l *fakeLedger) selectionLocked(studentID string) *models.Selection {
	s, ok := l.selections[studentID]
	if !ok {
		return nil
	}
	s.Activities = append(models.ActivityRefs(nil), s.Activities...)
	return &s
}

func (l *fakeLedger) List(ctx context.Context, filter models.SelectionFilter) ([]models.Selection, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Selection
	for _, s := range l.selections {
		if filter.ClassID != "" && s.ClassID != filter.ClassID {
			continue
		}
		if filter.Search != "" {
			q := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(s.StudentName), q) && !strings.Contains(strings.ToLower(s.StudentEmail), q) {
				continue
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentUID < out[j].StudentUID })
	return out, len(out), nil
}

func (l *fakeLedger) ListAfter(ctx context.Context, afterUID string, limit int) ([]models.Selection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failListAfter != nil {
		return nil, l.failListAfter
	}
	uids := l.sortedUIDsLocked()
	var out []models.Selection
	for _, uid := range uids {
		if uid <= afterUID {
			continue
		}
		out = append(out, l.selections[uid])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *fakeLedger) DeleteSelectionBatch(ctx context.Context, limit int) (int64, error) {
	n, call, err := l.deleteBatch(limit)
	if l.afterDelete != nil {
		l.afterDelete(call)
	}
	return n, err
}

func (l *fakeLedger) deleteBatch(limit int) (int64, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleteCalls++
	call := l.deleteCalls
	if l.failDeleteAt > 0 && call == l.failDeleteAt {
		return 0, call, errors.New("connection reset")
	}
	if l.stallDelete {
		return 0, call, nil
	}
	if c, ok := l.deleteCaps[call]; ok && c < limit {
		limit = c
	}
	uids := l.sortedUIDsLocked()
	if len(uids) > limit {
		uids = uids[:limit]
	}
	for _, uid := range uids {
		delete(l.selections, uid)
	}
	if len(uids) > 0 {
		l.deleteBatches = append(l.deleteBatches, int64(len(uids)))
	}
	return int64(len(uids)), call, nil
}

func (l *fakeLedger) ResetEnrolledBatch(ctx context.Context, limit int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for id, a := range l.activities {
		if a.EnrolledCount != 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		a := l.activities[id]
		a.EnrolledCount = 0
		l.activities[id] = a
	}
	if len(ids) > 0 {
		l.resetBatches = append(l.resetBatches, int64(len(ids)))
	}
	return int64(len(ids)), nil
}

func (l *fakeLedger) Remaining(ctx context.Context) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var held int64
	for _, a := range l.activities {
		if a.EnrolledCount != 0 {
			held++
		}
	}
	return int64(len(l.selections)), held, nil
}

func (l *fakeLedger) sortedUIDsLocked() []string {
	uids := make([]string, 0, len(l.selections))
	for uid := range l.selections {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

func (l *fakeLedger) enrolled(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activities[id].EnrolledCount
}

func (l *fakeLedger) selection(studentID string) *models.Selection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selectionLocked(studentID)
}

func (l *fakeLedger) seed(selection models.Selection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.selections[selection.StudentUID] = selection
}

// countsMatchRecords reports whether every counter equals the number of counting records referencing it.
func (l *fakeLedger) countsMatchRecords() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	expected := make(map[string]int)
	for _, s := range l.selections {
		for _, ref := range s.CommittedActivities() {
			expected[ref.ID]++
		}
	}
	for id, a := range l.activities {
		if a.EnrolledCount != expected[id] {
			return false
		}
	}
	return true
}

// lister returns an activityLister backed by the same state.
func (l *fakeLedger) lister() *fakeActivityLister {
	return &fakeActivityLister{l: l}
}

type fakeTx struct {
	l *fakeLedger
}

func (t *fakeTx) LockStudent(ctx context.Context, studentID string) error { return nil }

func (t *fakeTx) RegistrationOpen(ctx context.Context) (bool, bool, error) {
	if t.l.registration == nil {
		return false, false, nil
	}
	return *t.l.registration, true, nil
}

func (t *fakeTx) GetSelection(ctx context.Context, studentID string) (*models.Selection, error) {
	return t.l.selectionLocked(studentID), nil
}

func (t *fakeTx) GetActivities(ctx context.Context, ids []string) (map[string]models.Activity, error) {
	out := make(map[string]models.Activity, len(ids))
	for _, id := range ids {
		if a, ok := t.l.activities[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (t *fakeTx) AdjustEnrolled(ctx context.Context, activityID string, delta int) error {
	a, ok := t.l.activities[activityID]
	if !ok {
		return nil
	}
	a.EnrolledCount += delta
	if a.EnrolledCount < 0 {
		a.EnrolledCount = 0
	}
	t.l.activities[activityID] = a
	sign := "+"
	if delta < 0 {
		sign = "-"
	}
	t.l.adjustmentsLog = append(t.l.adjustmentsLog, sign+activityID)
	return nil
}

func (t *fakeTx) SaveSelection(ctx context.Context, selection *models.Selection) error {
	stored := *selection
	stored.Activities = append(models.ActivityRefs(nil), selection.Activities...)
	t.l.selections[selection.StudentUID] = stored
	return nil
}

func (t *fakeTx) DeleteSelection(ctx context.Context, studentID string) error {
	delete(t.l.selections, studentID)
	return nil
}

type fakeActivityLister struct {
	l *fakeLedger
}

func (f *fakeActivityLister) List(ctx context.Context, filter models.ActivityFilter) ([]models.Activity, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	wanted := make(map[string]struct{}, len(filter.IDs))
	for _, id := range filter.IDs {
		wanted[id] = struct{}{}
	}
	var out []models.Activity
	for _, a := range f.l.activities {
		if filter.ActiveOnly && !a.Active {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[a.ID]; !ok {
				continue
			}
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type fakeClasses struct {
	items map[string]models.Class
}

func newFakeClasses(classes ...models.Class) *fakeClasses {
	f := &fakeClasses{items: make(map[string]models.Class)}
	for _, c := range classes {
		f.items[c.ID] = c
	}
	return f
}

func (f *fakeClasses) FindByID(ctx context.Context, id string) (*models.Class, error) {
	c, ok := f.items[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &c, nil
}

func (f *fakeClasses) List(ctx context.Context) ([]models.Class, error) {
	out := make([]models.Class, 0, len(f.items))
	for _, c := range f.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type settingsStub struct {
	settings models.EnrollmentSettings
	err      error
}

func (s *settingsStub) EnrollmentSettings(ctx context.Context) (*models.EnrollmentSettings, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := s.settings
	return &out, nil
}

func openSettings(min, max int) *settingsStub {
	return &settingsStub{settings: models.EnrollmentSettings{MinSelections: min, MaxSelections: max, RegistrationOpen: true}}
}

func activity(id, name string, maxSeats, enrolled int) models.Activity {
	return models.Activity{ID: id, Name: name, MaxSeats: maxSeats, EnrolledCount: enrolled, Active: true}
}

func class(id, name string, allowed ...string) models.Class {
	return models.Class{ID: id, Name: name, AllowedActivityIDs: pq.StringArray(allowed)}
}
