package commanding

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	v1 "github.com/aevon-lab/chronicle/internal/api/v1"
	"github.com/aevon-lab/chronicle/internal/core/domain"
	httperr "github.com/aevon-lab/chronicle/internal/core/errors"
	"github.com/aevon-lab/chronicle/internal/core/storage"
	"github.com/aevon-lab/chronicle/internal/scheduling"
)

const (
	HeaderPrincipalID    = "X-Principal-ID"
	HeaderPrincipalRoles = "X-Principal-Roles"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgBodyTooLarge   = "Request body exceeds maximum allowed size"
)

// requestError carries an HTTP error shape from a helper back to the handler.
type requestError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *requestError) Error() string {
	return e.message
}

// GetHandler returns the stored history of one aggregate.
func (s *Service) GetHandler(c *gin.Context) {
	agg, err := s.Get(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAggregate(agg))
}

// CreateHandler applies a constructor command to a new aggregate.
func (s *Service) CreateHandler(c *gin.Context) {
	cmd, rerr := s.parseCommand(c)
	if rerr != nil {
		writeError(c, rerr)
		return
	}
	agg, err := s.Create(c.Request.Context(), c.Param("type"), c.Param("id"), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	slog.Info("[Commanding] Aggregate created",
		"aggregate_type", agg.Type(),
		"aggregate_id", agg.ID(),
		"command", cmd.Type,
		"principal_id", cmd.Principal.ID)
	c.JSON(http.StatusCreated, toAggregate(agg))
}

// ApplyHandler applies one command.
func (s *Service) ApplyHandler(c *gin.Context) {
	cmd, rerr := s.parseCommand(c)
	if rerr != nil {
		writeError(c, rerr)
		return
	}
	agg, err := s.Apply(c.Request.Context(), c.Param("type"), c.Param("id"), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	slog.Info("[Commanding] Command applied",
		"aggregate_type", agg.Type(),
		"aggregate_id", agg.ID(),
		"command", cmd.Type,
		"principal_id", cmd.Principal.ID,
		"version", agg.Version())
	c.JSON(http.StatusOK, toAggregate(agg))
}

// ValidateHandler validates one command without applying it.
func (s *Service) ValidateHandler(c *gin.Context) {
	cmd, rerr := s.parseCommand(c)
	if rerr != nil {
		writeError(c, rerr)
		return
	}
	if err := s.Validate(c.Request.Context(), c.Param("type"), c.Param("id"), cmd); err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "valid"})
}

// ApplyBatchHandler applies several commands to one aggregate atomically.
func (s *Service) ApplyBatchHandler(c *gin.Context) {
	var batch v1.Batch
	if rerr := s.bindJSON(c, &batch); rerr != nil {
		writeError(c, rerr)
		return
	}
	if err := batch.Validate(); err != nil {
		writeError(c, invalidRequest(err))
		return
	}
	principal := principalFrom(c)
	cmds := make([]domain.Command, len(batch.Commands))
	for i, cmd := range batch.Commands {
		cmds[i] = toDomainCommand(cmd, principal)
	}

	agg, err := s.ApplyBatch(c.Request.Context(), c.Param("type"), c.Param("id"), cmds)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	slog.Info("[Commanding] Batch applied",
		"aggregate_type", agg.Type(),
		"aggregate_id", agg.ID(),
		"commands", len(cmds),
		"principal_id", principal.ID)
	c.JSON(http.StatusOK, toAggregate(agg))
}

// ScheduleHandler schedules a command. A command delivered right away
// answers 200, one left waiting answers 202.
func (s *Service) ScheduleHandler(c *gin.Context) {
	var req v1.ScheduleRequest
	if rerr := s.bindJSON(c, &req); rerr != nil {
		writeError(c, rerr)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, invalidRequest(err))
		return
	}

	env := scheduling.NewEnvelope(c.Param("type"), c.Param("id"), toDomainCommand(req.Command, principalFrom(c)))
	env.SequenceNumber = req.SequenceNumber
	if req.DueTime != nil {
		env.At(*req.DueTime)
	}
	if req.Clock != "" {
		env.On(req.Clock)
	}
	if req.Precondition != nil {
		env.After(domain.Precondition{Scope: req.Precondition.Scope, ETag: req.Precondition.ETag})
	}

	res, err := s.Schedule(c.Request.Context(), env)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	status := http.StatusOK
	if _, waiting := res.(*scheduling.Scheduled); waiting {
		status = http.StatusAccepted
	}
	c.JSON(status, toResult(res))
}

// ClockHandler returns the current time of a clock.
func (s *Service) ClockHandler(c *gin.Context) {
	name := c.Param("name")
	now, err := s.Clock(c.Request.Context(), name)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.Clock{Name: name, Now: now})
}

// AdvanceClockHandler moves a clock and delivers what became due.
func (s *Service) AdvanceClockHandler(c *gin.Context) {
	var req v1.AdvanceClockRequest
	if rerr := s.bindJSON(c, &req); rerr != nil {
		writeError(c, rerr)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, invalidRequest(err))
		return
	}

	var (
		adv *scheduling.Advance
		err error
	)
	if req.To != nil {
		adv, err = s.AdvanceClock(c.Request.Context(), c.Param("name"), *req.To)
	} else {
		d, _ := req.Duration()
		adv, err = s.AdvanceClockBy(c.Request.Context(), c.Param("name"), d)
	}
	if err != nil {
		writeDomainError(c, err)
		return
	}

	resp := v1.Advance{Clock: adv.Clock, From: adv.From, To: adv.To, Results: make([]v1.Result, 0, len(adv.Results))}
	for _, r := range adv.Results {
		resp.Results = append(resp.Results, toResult(r))
	}
	c.JSON(http.StatusOK, resp)
}

// TriggerHandler redelivers stored commands regardless of due time or state.
func (s *Service) TriggerHandler(c *gin.Context) {
	var req v1.TriggerRequest
	if rerr := s.bindJSON(c, &req); rerr != nil {
		writeError(c, rerr)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, invalidRequest(err))
		return
	}

	results, err := s.Trigger(c.Request.Context(), storage.ScheduledCommandFilter{
		ClockName:      req.Clock,
		AggregateID:    req.AggregateID,
		SequenceNumber: req.SequenceNumber,
		CommandType:    req.CommandType,
		PendingOnly:    req.PendingOnly,
		Limit:          req.Limit,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	slog.Info("[Commanding] Triggered redelivery", "commands", len(results), "principal_id", principalFrom(c).ID)

	out := make([]v1.Result, 0, len(results))
	for _, r := range results {
		out = append(out, toResult(r))
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Service) parseCommand(c *gin.Context) (domain.Command, *requestError) {
	var cmd v1.Command
	if rerr := s.bindJSON(c, &cmd); rerr != nil {
		return domain.Command{}, rerr
	}
	if err := cmd.Validate(); err != nil {
		return domain.Command{}, invalidRequest(err)
	}
	return toDomainCommand(cmd, principalFrom(c)), nil
}

// bindJSON reads the body under the size limit and decodes it into v.
func (s *Service) bindJSON(c *gin.Context, v interface{}) *requestError {
	maxBytes := int64(s.maxBodySizeBytes)
	bodyBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBytes+1))
	if err != nil {
		slog.Error("[Commanding] Failed to read request body", "error", err)
		return &requestError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}
	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Commanding] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return &requestError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgBodyTooLarge,
			details:    map[string]interface{}{"max_size_mb": maxBytes / (1024 * 1024)},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if err := c.ShouldBindJSON(v); err != nil {
		slog.Warn("[Commanding] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return &requestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}
	return nil
}

func invalidRequest(err error) *requestError {
	return &requestError{
		statusCode: http.StatusBadRequest,
		errorType:  httperr.HttpInvalidRequestError,
		message:    err.Error(),
	}
}

func principalFrom(c *gin.Context) domain.Principal {
	p := domain.Principal{ID: strings.TrimSpace(c.GetHeader(HeaderPrincipalID))}
	for _, role := range strings.Split(c.GetHeader(HeaderPrincipalRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			p.Roles = append(p.Roles, role)
		}
	}
	return p
}

func toDomainCommand(cmd v1.Command, principal domain.Principal) domain.Command {
	out := domain.Command{
		Type:            cmd.Type,
		ETag:            cmd.ETag,
		RequiredVersion: cmd.RequiredVersion,
		Principal:       principal,
	}
	if len(cmd.Payload) > 0 && !bytes.Equal(cmd.Payload, []byte("null")) {
		out.Payload = json.RawMessage(cmd.Payload)
	}
	return out
}

func toAggregate(agg *domain.Aggregate) v1.Aggregate {
	history := agg.History()
	out := v1.Aggregate{Type: agg.Type(), ID: agg.ID(), Version: agg.Version(), Events: make([]v1.Event, 0, len(history))}
	for _, evt := range history {
		out.Events = append(out.Events, v1.Event{
			SequenceNumber: evt.SequenceNumber,
			Type:           evt.Type,
			ETag:           evt.ETag,
			Timestamp:      evt.Timestamp,
			Data:           evt.Data,
		})
	}
	return out
}

func toResult(res scheduling.Result) v1.Result {
	out := v1.Result{Outcome: scheduling.Outcome(res)}
	if env := res.Envelope(); env != nil {
		out.AggregateType = env.AggregateType
		out.AggregateID = env.AggregateID
		out.Command = env.Command.Type
		out.ETag = env.Command.ETag
		out.SequenceNumber = env.SequenceNumber
		out.Clock = env.Clock
		out.DueTime = env.DueTime
	}
	switch r := res.(type) {
	case *scheduling.Deduplicated:
		out.Reason = r.Reason
	case *scheduling.Succeeded:
		if r.FollowUpErr != nil {
			out.Error = r.FollowUpErr.Error()
		}
	case *scheduling.Failed:
		out.Error = r.Err().Error()
		if after, ok := r.RetryAfter(); ok {
			out.RetryAfter = after.String()
		}
	}
	return out
}

// writeError serializes a requestError as the JSON response.
func writeError(c *gin.Context, err *requestError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}

func writeDomainError(c *gin.Context, err error) {
	status, resp := httperr.Classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("[Commanding] Request failed", "path", c.FullPath(), "error", err)
	} else {
		slog.Warn("[Commanding] Request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, resp)
}
