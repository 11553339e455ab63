package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bhzitouni/intake/internal/fault"
	"github.com/bhzitouni/intake/internal/gateway"
	"github.com/bhzitouni/intake/internal/state"
	"github.com/bhzitouni/intake/internal/store"
)

// fakeEngine scripts engine responses and records calls.
type fakeEngine struct {
	initResult *gateway.StepResult
	initErr    error
	stepResult *gateway.StepResult
	stepErr    error

	initCalls  int
	stepCalls  int
	lastInput  string
	lastState  state.State
	pdfAnswers map[string]string
	pdfFiles   []string
}

func (f *fakeEngine) Initialize(ctx context.Context) (*gateway.StepResult, error) {
	f.initCalls++
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f.initResult, nil
}

func (f *fakeEngine) Step(ctx context.Context, conversationID, userInput string, st state.State) (*gateway.StepResult, error) {
	f.stepCalls++
	f.lastInput = userInput
	f.lastState = st
	if f.stepErr != nil {
		return nil, f.stepErr
	}
	return f.stepResult, nil
}

func (f *fakeEngine) GeneratePDFs(ctx context.Context, answers map[string]string, conversationID string) ([]string, error) {
	f.pdfAnswers = answers
	return f.pdfFiles, nil
}

type fakeIndexer struct {
	indexed []string
	removed []string
}

func (f *fakeIndexer) IndexConversation(c *store.Conversation) error {
	f.indexed = append(f.indexed, c.ID)
	return nil
}

func (f *fakeIndexer) RemoveConversation(id string) error {
	f.removed = append(f.removed, id)
	return nil
}

type fakeGate struct {
	files map[string][]byte
}

func (f *fakeGate) Open(name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, fault.New(fault.NotFound, "file not found")
	}
	return data, nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "intake.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func questionResult(reply string, index int) *gateway.StepResult {
	st := state.Empty()
	st.QuestionIndex = index
	st.Messages = []state.Message{{Role: "assistant", Content: reply}}
	return &gateway.StepResult{Reply: reply, State: st}
}

func TestInitializeCreatesConversation(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{initResult: questionResult("What is your full name?", 0)}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	outcome, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if outcome.ConversationID == "" {
		t.Fatal("expected a conversation id")
	}
	if outcome.Reply != "What is your full name?" {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}
	if eng.initCalls != 1 || eng.stepCalls != 0 {
		t.Errorf("expected exactly one Initialize call, got init=%d step=%d", eng.initCalls, eng.stepCalls)
	}

	stored, err := st.Get(ctx, "owner-a", outcome.ConversationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Completed {
		t.Error("fresh conversation must not be completed")
	}
	if len(state.Decode(stored.Parts).Messages) != 1 {
		t.Error("expected engine state persisted")
	}
}

func TestInitializeTwiceReturnsSameConversation(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{
		initResult: questionResult("What is your full name?", 0),
		stepResult: questionResult("What is your full name?", 0),
	}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	first, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("first Initialize failed: %v", err)
	}
	second, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}

	if first.ConversationID != second.ConversationID {
		t.Errorf("expected same conversation id, got %s then %s", first.ConversationID, second.ConversationID)
	}
	// The second call resumes via an empty-input step, not a fresh
	// engine initialization.
	if eng.initCalls != 1 {
		t.Errorf("expected one engine Initialize, got %d", eng.initCalls)
	}
	if eng.stepCalls != 1 || eng.lastInput != "" {
		t.Errorf("expected one empty-input step, got calls=%d input=%q", eng.stepCalls, eng.lastInput)
	}
}

func TestInitializeIgnoresDoneOnFreshCreate(t *testing.T) {
	st := testStore(t)
	res := questionResult("All done already?", 0)
	res.Done = true
	eng := &fakeEngine{initResult: res}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	outcome, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	// The flag is passed through to the caller but never persisted on
	// the create path.
	if !outcome.Done {
		t.Error("expected done passed through to the caller")
	}
	stored, err := st.Get(ctx, "owner-a", outcome.ConversationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Completed || stored.CompletedAt != nil {
		t.Errorf("fresh create must not persist completion, got %+v", stored)
	}
}

func TestInitializeEngineFailureLeavesResumableRow(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{initErr: fault.New(fault.EngineUnavailable, "engine down")}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	if _, err := svc.Initialize(ctx, "owner-a"); !fault.IsKind(err, fault.EngineUnavailable) {
		t.Fatalf("expected EngineUnavailable, got %v", err)
	}

	// The created row survives and the next Initialize resumes it.
	eng.stepResult = questionResult("What is your full name?", 0)
	outcome, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("resume Initialize failed: %v", err)
	}
	if eng.initCalls != 1 || eng.stepCalls != 1 {
		t.Errorf("expected resume via step, got init=%d step=%d", eng.initCalls, eng.stepCalls)
	}
	if outcome.ConversationID == "" {
		t.Error("expected conversation id on resume")
	}
}

func TestStepAppliesEngineResponse(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{initResult: questionResult("What is your full name?", 0)}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	created, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	next := state.Empty()
	next.Answers["full_name"] = "Jane Doe"
	next.QuestionIndex = 1
	next.AttemptCounter["full_name"] = 1
	next.Messages = []state.Message{
		{Role: "assistant", Content: "What is your full name?"},
		{Role: "user", Content: "Jane Doe"},
	}
	eng.stepResult = &gateway.StepResult{Reply: "What country are you from?", State: next}

	outcome, err := svc.Step(ctx, "owner-a", created.ConversationID, "Jane Doe")
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if outcome.Done {
		t.Error("expected done=false")
	}
	if eng.lastInput != "Jane Doe" {
		t.Errorf("expected user input forwarded, got %q", eng.lastInput)
	}

	loaded, err := svc.LoadState(ctx, "owner-a", created.ConversationID)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if !reflect.DeepEqual(loaded, next) {
		t.Errorf("state not applied atomically:\ngot  %+v\nwant %+v", loaded, next)
	}
}

func TestStepDoneCompletesConversation(t *testing.T) {
	st := testStore(t)
	idx := &fakeIndexer{}
	eng := &fakeEngine{initResult: questionResult("q", 0)}
	svc := NewService(st, eng, nil, idx)
	ctx := context.Background()

	created, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	final := questionResult("Thanks, you are all set.", 9)
	final.Done = true
	eng.stepResult = final

	if _, err := svc.Step(ctx, "owner-a", created.ConversationID, "last answer"); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	stored, err := st.Get(ctx, "owner-a", created.ConversationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !stored.Completed {
		t.Error("expected completed=true")
	}
	if stored.CompletedAt == nil {
		t.Error("expected completion timestamp stamped")
	}
	if len(idx.indexed) != 1 || idx.indexed[0] != created.ConversationID {
		t.Errorf("expected completed conversation indexed, got %v", idx.indexed)
	}

	// Completion is monotonic: a later step never reverts it, the
	// timestamp stays, and the indexer is not notified again.
	firstStamp := *stored.CompletedAt
	notDone := questionResult("anything else?", 9)
	eng.stepResult = notDone
	if _, err := svc.Step(ctx, "owner-a", created.ConversationID, "hello again"); err != nil {
		t.Fatalf("Step after completion failed: %v", err)
	}
	stored, err = st.Get(ctx, "owner-a", created.ConversationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !stored.Completed || stored.CompletedAt == nil || !stored.CompletedAt.Equal(firstStamp) {
		t.Errorf("completion must be monotonic with a stable stamp, got %+v", stored)
	}
	if len(idx.indexed) != 1 {
		t.Errorf("expected no re-indexing, got %v", idx.indexed)
	}
}

func TestStepEngineFailureWritesNothing(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{initResult: questionResult("q", 0)}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	created, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	before, err := st.Get(ctx, "owner-a", created.ConversationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	eng.stepErr = fault.New(fault.EngineUnavailable, "engine down")
	if _, err := svc.Step(ctx, "owner-a", created.ConversationID, "hello"); !fault.IsKind(err, fault.EngineUnavailable) {
		t.Fatalf("expected EngineUnavailable, got %v", err)
	}

	after, err := st.Get(ctx, "owner-a", created.ConversationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if *after != *before {
		t.Errorf("engine failure must abort before any store write:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestStepUnknownConversation(t *testing.T) {
	st := testStore(t)
	svc := NewService(st, &fakeEngine{}, nil, nil)

	_, err := svc.Step(context.Background(), "owner-a", "missing", "hi")
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestUpdateAnswerTouchesOnlyAnswers(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{initResult: questionResult("q", 0)}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	created, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	before, err := svc.LoadState(ctx, "owner-a", created.ConversationID)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	if err := svc.UpdateAnswer(ctx, "owner-a", created.ConversationID, "full_name", "Jane Doe"); err != nil {
		t.Fatalf("UpdateAnswer failed: %v", err)
	}

	after, err := svc.LoadState(ctx, "owner-a", created.ConversationID)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if after.Answers["full_name"] != "Jane Doe" {
		t.Errorf("expected answer updated, got %v", after.Answers)
	}
	if !reflect.DeepEqual(after.Messages, before.Messages) ||
		after.QuestionIndex != before.QuestionIndex ||
		after.Skip != before.Skip ||
		!reflect.DeepEqual(after.AttemptCounter, before.AttemptCounter) {
		t.Error("expected all non-answer parts unchanged")
	}
	// No engine round-trip for a single-answer correction.
	if eng.stepCalls != 0 {
		t.Errorf("expected no engine calls, got %d", eng.stepCalls)
	}
}

func TestSaveStateOverwritesWithoutEngine(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{initResult: questionResult("q", 0)}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	created, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	replacement := state.Empty()
	replacement.Answers["city"] = "Lisbon"
	replacement.QuestionIndex = 5
	if err := svc.SaveState(ctx, "owner-a", created.ConversationID, replacement); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	loaded, err := svc.LoadState(ctx, "owner-a", created.ConversationID)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if !reflect.DeepEqual(loaded, replacement) {
		t.Errorf("expected saved state, got %+v", loaded)
	}
	if eng.stepCalls != 0 {
		t.Errorf("expected no engine calls, got %d", eng.stepCalls)
	}
}

func TestDeleteRemovesConversationAndIndexEntry(t *testing.T) {
	st := testStore(t)
	idx := &fakeIndexer{}
	eng := &fakeEngine{initResult: questionResult("q", 0)}
	svc := NewService(st, eng, nil, idx)
	ctx := context.Background()

	created, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := svc.Delete(ctx, "owner-a", created.ConversationID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := svc.LoadState(ctx, "owner-a", created.ConversationID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
	if len(idx.removed) != 1 || idx.removed[0] != created.ConversationID {
		t.Errorf("expected index entry removed, got %v", idx.removed)
	}
	if err := svc.Delete(ctx, "owner-a", created.ConversationID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("expected NotFound on second delete, got %v", err)
	}
}

func TestRequestGenerationRequiresCompletion(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{initResult: questionResult("q", 0), pdfFiles: []string{"form_1.pdf"}}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	created, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if _, err := svc.RequestGeneration(ctx, "owner-a", created.ConversationID); !fault.IsKind(err, fault.PreconditionFailed) {
		t.Fatalf("expected PreconditionFailed on incomplete conversation, got %v", err)
	}

	final := questionResult("done", 9)
	final.Done = true
	final.State.Answers["full_name"] = "Jane Doe"
	eng.stepResult = final
	if _, err := svc.Step(ctx, "owner-a", created.ConversationID, "last"); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	files, err := svc.RequestGeneration(ctx, "owner-a", created.ConversationID)
	if err != nil {
		t.Fatalf("RequestGeneration failed: %v", err)
	}
	if len(files) != 1 || files[0] != "form_1.pdf" {
		t.Errorf("unexpected files: %v", files)
	}
	if eng.pdfAnswers["full_name"] != "Jane Doe" {
		t.Errorf("expected answers forwarded to the generator, got %v", eng.pdfAnswers)
	}
}

func TestFetchArtifactGatedOnCompletion(t *testing.T) {
	st := testStore(t)
	gate := &fakeGate{files: map[string][]byte{"form_1.pdf": []byte("%PDF-1.4 test")}}
	eng := &fakeEngine{initResult: questionResult("q", 0)}
	svc := NewService(st, eng, gate, nil)
	ctx := context.Background()

	created, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if _, err := svc.FetchArtifact(ctx, "owner-a", created.ConversationID, "form_1.pdf"); !fault.IsKind(err, fault.PreconditionFailed) {
		t.Fatalf("expected PreconditionFailed, got %v", err)
	}

	final := questionResult("done", 9)
	final.Done = true
	eng.stepResult = final
	if _, err := svc.Step(ctx, "owner-a", created.ConversationID, "last"); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	data, err := svc.FetchArtifact(ctx, "owner-a", created.ConversationID, "form_1.pdf")
	if err != nil {
		t.Fatalf("FetchArtifact failed: %v", err)
	}
	if string(data) != "%PDF-1.4 test" {
		t.Errorf("unexpected bytes: %q", data)
	}
}

func TestCurrentReturnsActiveConversation(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{initResult: questionResult("q", 0)}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	if _, _, err := svc.Current(ctx, "owner-a"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("expected NotFound with no conversations, got %v", err)
	}

	created, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	id, _, err := svc.Current(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if id != created.ConversationID {
		t.Errorf("expected %s, got %s", created.ConversationID, id)
	}

	answers, err := svc.CurrentAnswers(ctx, "owner-a")
	if err != nil {
		t.Fatalf("CurrentAnswers failed: %v", err)
	}
	if len(answers) != 0 {
		t.Errorf("expected no answers yet, got %v", answers)
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{
		initResult: questionResult("q", 0),
		stepResult: questionResult("q", 0),
	}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	a, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize owner-a failed: %v", err)
	}
	b, err := svc.Initialize(ctx, "owner-b")
	if err != nil {
		t.Fatalf("Initialize owner-b failed: %v", err)
	}
	if a.ConversationID == b.ConversationID {
		t.Error("owners must get distinct conversations")
	}
	if _, err := svc.LoadState(ctx, "owner-b", a.ConversationID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("expected NotFound for cross-owner access, got %v", err)
	}
}

func TestStepErrorIsNotRetried(t *testing.T) {
	st := testStore(t)
	eng := &fakeEngine{initResult: questionResult("q", 0)}
	svc := NewService(st, eng, nil, nil)
	ctx := context.Background()

	created, err := svc.Initialize(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	eng.stepErr = errors.New("connection reset")
	_, _ = svc.Step(ctx, "owner-a", created.ConversationID, "hi")
	if eng.stepCalls != 1 {
		t.Errorf("retry policy belongs to the caller; expected 1 engine call, got %d", eng.stepCalls)
	}
}
