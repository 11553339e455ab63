// Package httpapi exposes the conversation orchestrator over HTTP.
// Routes mirror the upstream client contract: initialize, chat-step,
// conversation load/save/delete, answer correction, and artifact
// generation/download.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xeipuuv/gojsonschema"

	"github.com/bhzitouni/intake/internal/conversation"
	"github.com/bhzitouni/intake/internal/fault"
	"github.com/bhzitouni/intake/internal/search"
	"github.com/bhzitouni/intake/internal/state"
)

const maxBodyBytes = 1 << 20

// stateSchema is the shape accepted for caller-supplied conversation
// state. All fields are optional; unknown fields are tolerated for
// forward-compatibility with engine-side schema changes.
const stateSchema = `{
	"type": "object",
	"properties": {
		"answers": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"messages": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"role": {"type": "string"},
					"content": {"type": "string"}
				}
			}
		},
		"question_index": {"type": "integer"},
		"skip": {"type": "integer"},
		"attempt_counter": {
			"type": "object",
			"additionalProperties": {"type": "integer"}
		}
	}
}`

// Searcher finds completed conversations by free-text query.
type Searcher interface {
	Search(ownerID, query string, k int) ([]search.Hit, error)
}

// Handler routes API requests to the conversation service.
type Handler struct {
	svc         *conversation.Service
	searcher    Searcher
	verifier    TokenVerifier
	stateSchema *gojsonschema.Schema
}

// NewHandler creates a Handler. searcher may be nil when search is
// disabled.
func NewHandler(svc *conversation.Service, searcher Searcher, verifier TokenVerifier) (*Handler, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(stateSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile state schema: %w", err)
	}
	return &Handler{
		svc:         svc,
		searcher:    searcher,
		verifier:    verifier,
		stateSchema: schema,
	}, nil
}

// Mount registers all API routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Use(requireOwner(h.verifier))

		r.Post("/initialize", h.initialize)
		r.Post("/chat-step", h.chatStep)
		r.Get("/conversation/current", h.currentConversation)
		r.Get("/conversation/current/answers", h.currentAnswers)
		r.Get("/conversation/{conversationID}", h.loadConversation)
		r.Post("/conversation/{conversationID}/save", h.saveConversation)
		r.Delete("/conversation/{conversationID}", h.deleteConversation)
		r.Post("/update-answer", h.updateAnswer)
		r.Post("/download-forms", h.downloadForms)
		r.Get("/download-file/{conversationID}/{fileName}", h.downloadFile)
		r.Get("/search", h.searchConversations)
	})
}

type stepResponse struct {
	ConversationID string      `json:"conversation_id,omitempty"`
	Reply          string      `json:"reply"`
	State          state.State `json:"state"`
	Done           bool        `json:"done"`
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)

	outcome, err := h.svc.Initialize(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stepResponse{
		ConversationID: outcome.ConversationID,
		Reply:          outcome.Reply,
		State:          outcome.State,
		Done:           outcome.Done,
	})
}

type chatStepRequest struct {
	ConversationID string `json:"conversation_id"`
	UserInput      string `json:"user_input"`
}

func (h *Handler) chatStep(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)

	var req chatStepRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConversationID == "" || req.UserInput == "" {
		writeError(w, fault.New(fault.InvalidInput, "conversation_id and user_input are required"))
		return
	}

	outcome, err := h.svc.Step(r.Context(), owner, req.ConversationID, req.UserInput)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stepResponse{
		Reply: outcome.Reply,
		State: outcome.State,
		Done:  outcome.Done,
	})
}

func (h *Handler) currentConversation(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)

	id, st, err := h.svc.Current(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"state":           st,
	})
}

func (h *Handler) currentAnswers(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)

	answers, err := h.svc.CurrentAnswers(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answers)
}

func (h *Handler) loadConversation(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)
	conversationID := chi.URLParam(r, "conversationID")

	st, err := h.svc.LoadState(r.Context(), owner, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"state":           st,
	})
}

type saveConversationRequest struct {
	State json.RawMessage `json:"state"`
}

func (h *Handler) saveConversation(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)
	conversationID := chi.URLParam(r, "conversationID")

	var req saveConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.State) == 0 {
		writeError(w, fault.New(fault.InvalidInput, "state is required"))
		return
	}
	if err := h.validateState(req.State); err != nil {
		writeError(w, err)
		return
	}

	st, err := state.FromWire(req.State)
	if err != nil {
		writeError(w, fault.Wrap(fault.InvalidInput, err))
		return
	}

	if err := h.svc.SaveState(r.Context(), owner, conversationID, st); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Conversation saved successfully"})
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)
	conversationID := chi.URLParam(r, "conversationID")

	if err := h.svc.Delete(r.Context(), owner, conversationID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted successfully"})
}

type updateAnswerRequest struct {
	ConversationID string `json:"conversation_id"`
	Field          string `json:"field"`
	Answer         string `json:"answer"`
}

func (h *Handler) updateAnswer(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)

	var req updateAnswerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConversationID == "" || req.Field == "" {
		writeError(w, fault.New(fault.InvalidInput, "conversation_id and field are required"))
		return
	}

	if err := h.svc.UpdateAnswer(r.Context(), owner, req.ConversationID, req.Field, req.Answer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Answer updated successfully"})
}

type downloadFormsRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (h *Handler) downloadForms(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)

	var req downloadFormsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConversationID == "" {
		writeError(w, fault.New(fault.InvalidInput, "conversation_id is required"))
		return
	}

	files, err := h.svc.RequestGeneration(r.Context(), owner, req.ConversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Documents generated successfully",
		"files":   files,
	})
}

func (h *Handler) downloadFile(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)
	conversationID := chi.URLParam(r, "conversationID")
	fileName := chi.URLParam(r, "fileName")

	data, err := h.svc.FetchArtifact(r.Context(), owner, conversationID, fileName)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) searchConversations(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, fault.New(fault.InvalidInput, "q is required"))
		return
	}
	if h.searcher == nil {
		writeJSON(w, http.StatusOK, map[string]any{"hits": []search.Hit{}})
		return
	}

	hits, err := h.searcher.Search(owner, query, 10)
	if err != nil {
		writeError(w, fault.Wrap(fault.Internal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (h *Handler) validateState(raw json.RawMessage) error {
	result, err := h.stateSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fault.Wrap(fault.InvalidInput, fmt.Errorf("state validation failed: %w", err))
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fault.New(fault.InvalidInput, "invalid state: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func mustOwner(r *http.Request) string {
	owner, _ := OwnerFromContext(r.Context())
	return owner
}

func decodeBody(r *http.Request, out any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fault.Wrap(fault.InvalidInput, fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.Unauthenticated:
		status = http.StatusUnauthorized
	case fault.InvalidInput:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.PreconditionFailed:
		status = http.StatusConflict
	case fault.EngineUnavailable:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
