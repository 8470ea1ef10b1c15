package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/auth"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/queue"
)

// submissionRequest mirrors spec §6's wire shape exactly.
type submissionRequest struct {
	ClientRequestID string            `json:"clientRequestId" validate:"required"`
	MatterID        string            `json:"matterId" validate:"required"`
	MatterName      string            `json:"matterName" validate:"required"`
	Applicant       map[string]any    `json:"applicant"`
	Materials       []materialRequest `json:"materials" validate:"required,min=1,dive"`
	CallbackURL     string            `json:"callbackUrl" validate:"omitempty,url"`
}

type materialRequest struct {
	Code        string              `json:"code" validate:"required"`
	Name        string              `json:"name"`
	Required    bool                `json:"required"`
	Attachments []attachmentRequest `json:"attachments" validate:"required,min=1,dive"`
}

type attachmentRequest struct {
	Name     string `json:"name"`
	MimeHint string `json:"mimeHint"`
	Source   string `json:"source" validate:"required"`
	SizeHint int64  `json:"sizeHint"`
}

type submissionResponse struct {
	InternalID string `json:"internalId"`
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
	ETASeconds int64  `json:"etaSeconds"`
}

var validate = validator.New()

// classifySource maps the attachment's raw source string to a
// model.AttachmentSourceKind per spec §6 ("<url|data:...|store:...>").
func classifySource(raw string) (model.AttachmentSourceKind, string) {
	switch {
	case len(raw) >= 5 && raw[:5] == "data:":
		return model.SourceData, raw
	case len(raw) >= 6 && raw[:6] == "store:":
		return model.SourceStore, raw[6:]
	default:
		return model.SourceURL, raw
	}
}

// Submit implements C9's POST endpoint: parse -> verify signature/timestamp
// -> rate-limit -> validate matter -> mint internal_id -> persist ->
// enqueue -> respond (spec §4.9).
func (a *API) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeErr(w, apperrors.New(apperrors.KindInvalidRequest, "failed to read request body"))
		return
	}

	ts, _ := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
	sigMeta, err := a.Auth.Verify(r.Context(), auth.SignedRequest{
		AccessKey: r.Header.Get("X-Access-Key"),
		Timestamp: ts,
		Nonce:     r.Header.Get("X-Nonce"),
		Signature: r.Header.Get("X-Signature"),
		Body:      body,
	})
	if err != nil {
		a.recordAPICall(r, 0, err)
		writeErr(w, err)
		return
	}

	var req submissionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.recordAPICall(r, 0, err)
		writeErr(w, apperrors.New(apperrors.KindInvalidRequest, "malformed JSON body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		a.recordAPICall(r, 0, err)
		writeErr(w, apperrors.Wrap(apperrors.KindInvalidRequest, "request failed validation", err))
		return
	}

	ruleCfg, err := a.Store.RuleConfig(r.Context(), req.MatterID)
	if err != nil || !ruleCfg.Enabled {
		werr := apperrors.New(apperrors.KindInvalidRequest, "matter does not exist or is disabled")
		a.recordAPICall(r, 0, werr)
		writeErr(w, werr)
		return
	}

	depth, err := a.Scheduler.Status(r.Context())
	if err == nil {
		total := 0
		for _, n := range depth.QueueDepth {
			total += n
		}
		if total >= a.QueueDepthCap {
			werr := apperrors.New(apperrors.KindBackendUnavailable, "submission queue is at capacity")
			a.recordAPICall(r, 0, werr)
			writeErr(w, werr)
			return
		}
	}

	internalID := uuid.NewString()
	materials := make([]model.MaterialRef, 0, len(req.Materials))
	for _, m := range req.Materials {
		atts := make([]model.Attachment, 0, len(m.Attachments))
		for _, att := range m.Attachments {
			kind, source := classifySource(att.Source)
			atts = append(atts, model.Attachment{
				Name:       att.Name,
				MimeHint:   att.MimeHint,
				SourceKind: kind,
				Source:     source,
				SizeHint:   att.SizeHint,
			})
		}
		materials = append(materials, model.MaterialRef{
			Code:        m.Code,
			DisplayName: m.Name,
			Required:    m.Required,
			Attachments: atts,
		})
	}

	preq := &model.PreviewRequest{
		InternalID:        internalID,
		ExternalID:        req.ClientRequestID,
		SubmitterClientID: sigMeta.AccessKey,
		MatterID:          req.MatterID,
		MatterName:        req.MatterName,
		Applicant:         req.Applicant,
		Materials:         materials,
		CallbackURL:       req.CallbackURL,
		ReceivedAt:        time.Now(),
		SignatureMeta:     sigMeta,
	}

	if err := a.Store.RecordRequest(r.Context(), preq); err != nil {
		a.recordAPICall(r, 0, err)
		writeErr(w, err)
		return
	}

	// Every submission enters at Normal: spec §6's wire shape has no
	// priority field. POST /admin/jobs/{internalId}/priority (SPEC_FULL.md
	// §D) is the operator path to move a still-queued job to High or Low.
	job := &model.PreviewJob{
		InternalID: internalID,
		State:      model.JobQueued,
		Priority:   model.PriorityNormal,
		EnqueuedAt: time.Now(),
	}
	if err := a.Store.CreateJob(r.Context(), job); err != nil {
		a.recordAPICall(r, 0, err)
		writeErr(w, err)
		return
	}

	if err := a.Queue.Enqueue(r.Context(), queue.Item{InternalID: internalID, Priority: model.PriorityNormal}); err != nil {
		a.recordAPICall(r, 0, err)
		writeErr(w, err)
		return
	}

	eta := a.estimateETA(r.Context())

	a.recordAPICall(r, http.StatusOK, nil)
	writeOK(w, submissionResponse{
		InternalID: internalID,
		ExternalID: req.ClientRequestID,
		Status:     "queued",
		ETASeconds: eta,
	})
}

// estimateETA derives the wait estimate from scheduler status: historical
// average job duration times queue depth divided by permits (spec §4.7).
func (a *API) estimateETA(ctx context.Context) int64 {
	st, err := a.Scheduler.Status(ctx)
	if err != nil || st.MaxPermits == 0 {
		return 0
	}
	depth := 0
	for _, n := range st.QueueDepth {
		depth += n
	}
	if st.AvgJobSeconds == 0 {
		return 0
	}
	return int64(st.AvgJobSeconds * float64(depth) / float64(st.MaxPermits))
}
