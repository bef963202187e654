package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/postop/recovery/internal/domain/assignment"
	"github.com/postop/recovery/internal/domain/protocol"
	"github.com/postop/recovery/internal/domain/schedule"
	"github.com/postop/recovery/internal/domain/timeline"
	"github.com/postop/recovery/internal/platform/aiclient"
)

var (
	testPatient    = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
	testProtocol   = uuid.MustParse("00000000-0000-0000-0000-0000000000c2")
	testAssignment = uuid.MustParse("00000000-0000-0000-0000-0000000000c3")
)

type memChannels struct {
	mu    sync.Mutex
	items []*Channel
}

func (m *memChannels) Create(_ context.Context, ch *Channel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.AssignmentID != nil && ch.AssignmentID != nil && *existing.AssignmentID == *ch.AssignmentID {
			return false, nil
		}
	}
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	m.items = append(m.items, ch)
	return true, nil
}

func (m *memChannels) GetByAssignment(_ context.Context, id uuid.UUID) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.items {
		if ch.AssignmentID != nil && *ch.AssignmentID == id {
			return ch, nil
		}
	}
	return nil, ErrChannelNotFound
}

func (m *memChannels) ListByPatient(_ context.Context, pid uuid.UUID) ([]*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Channel
	for _, ch := range m.items {
		if ch.PatientID == pid {
			out = append(out, ch)
		}
	}
	return out, nil
}

type stubActive struct {
	a   *assignment.Assignment
	err error
}

func (s stubActive) Active(context.Context, uuid.UUID) (*assignment.Assignment, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.a == nil {
		return nil, assignment.ErrAssignmentNotFound
	}
	return s.a, nil
}

type stubTasks struct {
	due      []schedule.TaskView
	days     []schedule.DayStatus
	from, to int
}

func (s *stubTasks) DueToday(context.Context, uuid.UUID, time.Time) ([]schedule.TaskView, error) {
	return s.due, nil
}

func (s *stubTasks) Calendar(_ context.Context, _ uuid.UUID, from, to int, _ time.Time) ([]schedule.DayStatus, error) {
	s.from, s.to = from, to
	return s.days, nil
}

type stubAI struct {
	got  aiclient.Request
	resp *aiclient.Response
	err  error
}

func (s *stubAI) Respond(_ context.Context, req aiclient.Request) (*aiclient.Response, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := timeline.NewAnchor(time.UTC).ParseDate(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func activeAssignment(t *testing.T) *assignment.Assignment {
	return &assignment.Assignment{
		ID:          testAssignment,
		PatientID:   testPatient,
		ProtocolID:  testProtocol,
		SurgeryDate: date(t, "2025-03-01"),
		Status:      assignment.StatusActive,
	}
}

func newService(t *testing.T, active ActiveAssignments, tasks TaskReader, ai Responder, now string) (*Service, *memChannels) {
	t.Helper()
	repo := &memChannels{}
	anchor := timeline.NewAnchor(time.UTC)
	clock := timeline.NewFakeClock(date(t, now).Add(10 * time.Hour))
	return NewService(repo, active, tasks, ai, anchor, clock, zerolog.Nop()), repo
}

func TestCreateForAssignment_Idempotent(t *testing.T) {
	svc, repo := newService(t, stubActive{}, &stubTasks{}, nil, "2025-03-01")
	a := activeAssignment(t)
	p := &protocol.Protocol{ID: testProtocol, Name: "Ankle ORIF", Version: 3}

	for i := 0; i < 2; i++ {
		if err := svc.CreateForAssignment(context.Background(), a, p); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if len(repo.items) != 1 {
		t.Fatalf("expected one channel, got %d", len(repo.items))
	}
	ch := repo.items[0]
	if ch.Title != "Ankle ORIF recovery" || ch.ChannelType != ChannelTypeRecovery {
		t.Errorf("unexpected channel %+v", ch)
	}
	if ch.Metadata["surgery_date"] != "2025-03-01" || ch.Metadata["protocol_version"] != 3 {
		t.Errorf("unexpected metadata %v", ch.Metadata)
	}
}

func TestRecoveryContext(t *testing.T) {
	tasks := &stubTasks{
		due: []schedule.TaskView{{TaskInstance: &schedule.TaskInstance{Title: "Ankle Pumps"}, EffectiveStatus: schedule.StatusPending}},
		days: []schedule.DayStatus{
			{RecoveryDay: 2, HasMissed: true},
			{RecoveryDay: 3, HasCompleted: true},
		},
	}
	svc, _ := newService(t, stubActive{a: activeAssignment(t)}, tasks, nil, "2025-03-05")

	rc, err := svc.RecoveryContext(context.Background(), testPatient, date(t, "2025-03-05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.Position.RecoveryDay != 4 || rc.Position.Phase != timeline.PhaseEarlyRecovery {
		t.Errorf("unexpected position %+v", rc.Position)
	}
	if tasks.from != -3 || tasks.to != 3 {
		t.Errorf("expected lookback [-3,3], got [%d,%d]", tasks.from, tasks.to)
	}
	if len(rc.DueToday) != 1 || len(rc.MissedDays) != 1 || rc.MissedDays[0] != 2 {
		t.Errorf("unexpected context %+v", rc)
	}
	if rc.SurgeryDate != "2025-03-01" {
		t.Errorf("unexpected surgery date %s", rc.SurgeryDate)
	}
}

func TestRecoveryContext_NoActiveProtocol(t *testing.T) {
	svc, _ := newService(t, stubActive{}, &stubTasks{}, nil, "2025-03-05")
	_, err := svc.RecoveryContext(context.Background(), testPatient, date(t, "2025-03-05"))
	if !errors.Is(err, ErrNoActiveProtocol) {
		t.Fatalf("expected ErrNoActiveProtocol, got %v", err)
	}
}

func TestRespond_OverridesRecoveryContext(t *testing.T) {
	ai := &stubAI{resp: &aiclient.Response{
		Response: "Keep your foot elevated.",
		Context:  aiclient.Context{RecoveryDay: 12, Phase: "advanced recovery"},
	}}
	svc, _ := newService(t, stubActive{a: activeAssignment(t)}, &stubTasks{}, ai, "2025-03-05")

	resp, err := svc.Respond(context.Background(), testPatient, aiclient.Request{Message: "swelling", PatientID: "ignored"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ai.got.PatientID != testPatient.String() {
		t.Errorf("expected patient id to be forwarded, got %q", ai.got.PatientID)
	}
	if resp.Context.RecoveryDay != 4 || resp.Context.Phase != string(timeline.PhaseEarlyRecovery) {
		t.Errorf("expected computed context, got %+v", resp.Context)
	}
	if resp.Context.DetectedActions == nil {
		t.Error("expected empty detected actions, got nil")
	}
}

func TestRespond_NoActiveProtocolPassesThrough(t *testing.T) {
	ai := &stubAI{resp: &aiclient.Response{Context: aiclient.Context{RecoveryDay: 9, Phase: "x"}}}
	svc, _ := newService(t, stubActive{}, &stubTasks{}, ai, "2025-03-05")

	resp, err := svc.Respond(context.Background(), testPatient, aiclient.Request{Message: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Context.RecoveryDay != 9 {
		t.Errorf("expected untouched context, got %+v", resp.Context)
	}
}

func TestRespond_Errors(t *testing.T) {
	svc, _ := newService(t, stubActive{}, &stubTasks{}, nil, "2025-03-05")
	if _, err := svc.Respond(context.Background(), testPatient, aiclient.Request{Message: "hi"}); !errors.Is(err, aiclient.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}

	boom := errors.New("boom")
	svc, _ = newService(t, stubActive{}, &stubTasks{}, &stubAI{err: boom}, "2025-03-05")
	if _, err := svc.Respond(context.Background(), testPatient, aiclient.Request{Message: "hi"}); !errors.Is(err, boom) {
		t.Errorf("expected ai error, got %v", err)
	}
}
