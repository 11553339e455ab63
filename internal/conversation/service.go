// Package conversation owns the interview session state machine: it
// resolves the current conversation for a user, drives
// initialize/step/save/delete operations, applies engine responses,
// and gates artifact access on completion.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bhzitouni/intake/internal/fault"
	"github.com/bhzitouni/intake/internal/gateway"
	"github.com/bhzitouni/intake/internal/state"
	"github.com/bhzitouni/intake/internal/store"
)

// Store is the persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, c *store.Conversation) error
	Get(ctx context.Context, ownerID, conversationID string) (*store.Conversation, error)
	ActiveForOwner(ctx context.Context, ownerID string) (*store.Conversation, error)
	UpdateState(ctx context.Context, ownerID, conversationID string, p state.Parts, completed bool, completedAt *time.Time) error
	UpdateAnswers(ctx context.Context, ownerID, conversationID, answersJSON string) error
	Delete(ctx context.Context, ownerID, conversationID string) error
}

// Engine is the inference engine surface, as implemented by
// gateway.Client.
type Engine interface {
	Initialize(ctx context.Context) (*gateway.StepResult, error)
	Step(ctx context.Context, conversationID, userInput string, st state.State) (*gateway.StepResult, error)
	GeneratePDFs(ctx context.Context, answers map[string]string, conversationID string) ([]string, error)
}

// Indexer receives completed conversations for full-text search.
// Indexing is best effort and never fails the owning operation.
type Indexer interface {
	IndexConversation(c *store.Conversation) error
	RemoveConversation(conversationID string) error
}

// Gate serves generated artifact files by name.
type Gate interface {
	Open(fileName string) ([]byte, error)
}

// Service is the session orchestrator. It holds no per-session state;
// requests for different owners are fully independent.
type Service struct {
	store  Store
	engine Engine
	gate   Gate
	index  Indexer
	now    func() time.Time
}

// NewService creates the orchestrator. gate and index may be nil when
// the corresponding feature is disabled.
func NewService(st Store, eng Engine, gate Gate, index Indexer) *Service {
	return &Service{
		store:  st,
		engine: eng,
		gate:   gate,
		index:  index,
		now:    time.Now,
	}
}

// StepOutcome is what the client sees after initialize or step. The
// conversation id is always this service's own identifier, never one
// the engine might echo.
type StepOutcome struct {
	ConversationID string
	Reply          string
	State          state.State
	Done           bool
}

// Initialize resumes the owner's active conversation, or creates one.
//
// For an existing conversation an empty-input step asks the engine to
// re-issue the current question, and the returned state and done flag
// are applied. On fresh creation the Initialize response's done flag
// is returned to the caller but not persisted; a brand-new
// conversation is only ever marked complete by a subsequent step.
func (s *Service) Initialize(ctx context.Context, ownerID string) (*StepOutcome, error) {
	existing, err := s.store.ActiveForOwner(ctx, ownerID)
	if err == nil {
		res, err := s.engine.Step(ctx, existing.ID, "", state.Decode(existing.Parts))
		if err != nil {
			return nil, err
		}
		if err := s.apply(ctx, existing, res.State, res.Done); err != nil {
			return nil, err
		}
		return &StepOutcome{ConversationID: existing.ID, Reply: res.Reply, State: res.State, Done: res.Done}, nil
	}
	if !fault.IsKind(err, fault.NotFound) {
		return nil, err
	}

	conv := &store.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		CreatedAt: s.now().UTC(),
		Parts:     state.EmptyParts(),
	}
	if err := s.store.Create(ctx, conv); err != nil {
		return nil, err
	}

	// The row above survives an engine failure here: the next
	// Initialize finds it active and resumes via the empty-input step.
	res, err := s.engine.Initialize(ctx)
	if err != nil {
		return nil, err
	}

	parts, err := state.Encode(res.State)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err)
	}
	if err := s.store.UpdateState(ctx, ownerID, conv.ID, parts, false, nil); err != nil {
		return nil, err
	}
	return &StepOutcome{ConversationID: conv.ID, Reply: res.Reply, State: res.State, Done: res.Done}, nil
}

// Step forwards user input to the engine and persists the returned
// state atomically with the completion flag.
func (s *Service) Step(ctx context.Context, ownerID, conversationID, userInput string) (*StepOutcome, error) {
	conv, err := s.store.Get(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Step(ctx, conv.ID, userInput, state.Decode(conv.Parts))
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, conv, res.State, res.Done); err != nil {
		return nil, err
	}
	return &StepOutcome{ConversationID: conv.ID, Reply: res.Reply, State: res.State, Done: res.Done}, nil
}

// apply persists an engine response against a stored conversation.
// Completion is monotonic: once a conversation is completed it never
// reverts, and the completion timestamp is stamped exactly once.
func (s *Service) apply(ctx context.Context, conv *store.Conversation, st state.State, done bool) error {
	parts, err := state.Encode(st)
	if err != nil {
		return fault.Wrap(fault.Internal, err)
	}

	completed := conv.Completed || done
	completedAt := conv.CompletedAt
	if completed && completedAt == nil {
		t := s.now().UTC()
		completedAt = &t
	}

	if err := s.store.UpdateState(ctx, conv.OwnerID, conv.ID, parts, completed, completedAt); err != nil {
		return err
	}

	if completed && !conv.Completed && s.index != nil {
		snapshot := *conv
		snapshot.Parts = parts
		snapshot.Completed = true
		snapshot.CompletedAt = completedAt
		if err := s.index.IndexConversation(&snapshot); err != nil {
			log.Printf("WARNING: failed to index completed conversation %s: %v", conv.ID, err)
		}
	}
	return nil
}

// LoadState returns the decoded canonical state of a conversation.
func (s *Service) LoadState(ctx context.Context, ownerID, conversationID string) (state.State, error) {
	conv, err := s.store.Get(ctx, ownerID, conversationID)
	if err != nil {
		return state.State{}, err
	}
	return state.Decode(conv.Parts), nil
}

// Current returns the owner's active conversation id and state.
func (s *Service) Current(ctx context.Context, ownerID string) (string, state.State, error) {
	conv, err := s.store.ActiveForOwner(ctx, ownerID)
	if err != nil {
		return "", state.State{}, err
	}
	return conv.ID, state.Decode(conv.Parts), nil
}

// CurrentAnswers returns the answers collected so far in the owner's
// active conversation.
func (s *Service) CurrentAnswers(ctx context.Context, ownerID string) (map[string]string, error) {
	conv, err := s.store.ActiveForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return state.Decode(conv.Parts).Answers, nil
}

// SaveState overwrites the full conversation state with a
// caller-supplied one. No engine round-trip; used for external
// correction flows. Lifecycle flags are left untouched.
func (s *Service) SaveState(ctx context.Context, ownerID, conversationID string, st state.State) error {
	conv, err := s.store.Get(ctx, ownerID, conversationID)
	if err != nil {
		return err
	}
	parts, err := state.Encode(st)
	if err != nil {
		return fault.Wrap(fault.Internal, err)
	}
	return s.store.UpdateState(ctx, ownerID, conversationID, parts, conv.Completed, conv.CompletedAt)
}

// UpdateAnswer upserts a single field in the answers mapping. All
// other state parts are untouched and the engine is never consulted;
// this lets a client correct one answer without re-running inference.
func (s *Service) UpdateAnswer(ctx context.Context, ownerID, conversationID, field, value string) error {
	conv, err := s.store.Get(ctx, ownerID, conversationID)
	if err != nil {
		return err
	}

	answers := state.Decode(conv.Parts).Answers
	answers[field] = value

	encoded, err := json.Marshal(answers)
	if err != nil {
		return fault.Wrap(fault.Internal, fmt.Errorf("encode answers: %w", err))
	}
	return s.store.UpdateAnswers(ctx, ownerID, conversationID, string(encoded))
}

// Delete removes a conversation immediately. No soft-delete.
func (s *Service) Delete(ctx context.Context, ownerID, conversationID string) error {
	if err := s.store.Delete(ctx, ownerID, conversationID); err != nil {
		return err
	}
	if s.index != nil {
		if err := s.index.RemoveConversation(conversationID); err != nil {
			log.Printf("WARNING: failed to remove conversation %s from index: %v", conversationID, err)
		}
	}
	return nil
}

// RequestGeneration forwards a completed conversation's answers to
// the artifact generator and returns the generated file names.
func (s *Service) RequestGeneration(ctx context.Context, ownerID, conversationID string) ([]string, error) {
	conv, err := s.store.Get(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Completed {
		return nil, fault.New(fault.PreconditionFailed, "conversation must be completed before generating documents")
	}
	return s.engine.GeneratePDFs(ctx, state.Decode(conv.Parts).Answers, conversationID)
}

// FetchArtifact returns the bytes of one generated file. The
// conversation must be completed; filename sanitation is enforced by
// the artifact gate.
func (s *Service) FetchArtifact(ctx context.Context, ownerID, conversationID, fileName string) ([]byte, error) {
	conv, err := s.store.Get(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Completed {
		return nil, fault.New(fault.PreconditionFailed, "conversation must be completed before downloading files")
	}
	if s.gate == nil {
		return nil, fault.New(fault.NotFound, "file not found")
	}
	return s.gate.Open(fileName)
}
