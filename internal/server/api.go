package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"PerpRisk/internal/event"
	"PerpRisk/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CommandSubmitter publishes a command onto the command stream and returns
// its stream position.
type CommandSubmitter interface {
	Submit(ctx context.Context, evt event.Event) (uint64, error)
}

// --- Messages ---

type GetAccountRequest struct {
	Index int `json:"index"`
}

type ListAccountsRequest struct {
	Kind   string `json:"kind,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListAccountsResponse struct {
	Accounts     []query.AccountResponse `json:"accounts"`
	AsOfSequence int64                   `json:"as_of_sequence"`
}

type GetMarginRequest struct {
	Index int `json:"index"`
}

type GetTotalsRequest struct{}

type ListCrankActionsRequest struct {
	// Index filters by account; nil returns every account.
	Index *int `json:"index,omitempty"`
	Limit int  `json:"limit,omitempty"`
}

type ListCrankActionsResponse struct {
	Actions []query.CrankActionResponse `json:"actions"`
}

type ListJournalsRequest struct {
	Index          int    `json:"index"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type SubmitCommandRequest struct {
	// EventType is the command name, e.g. "Deposit" or "ExecuteTrade".
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitCommandResponse struct {
	Accepted       bool   `json:"accepted"`
	StreamSequence uint64 `json:"stream_sequence"`
}

type GetEventLogInfoRequest struct{}

type VerifyIntegrityRequest struct{}

// API implements every RPC once; the gRPC service and the HTTP routes both
// call into it.
type API struct {
	qs        *query.QueryService
	submitter CommandSubmitter
}

// NewAPI builds the API. submitter may be nil, in which case SubmitCommand
// reports Unavailable.
func NewAPI(qs *query.QueryService, submitter CommandSubmitter) *API {
	return &API{qs: qs, submitter: submitter}
}

// ============================================================================
// Query
// ============================================================================

func (a *API) GetAccount(ctx context.Context, req *GetAccountRequest) (*query.AccountResponse, error) {
	resp, err := a.qs.GetAccount(ctx, req.Index)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (a *API) ListAccounts(ctx context.Context, req *ListAccountsRequest) (*ListAccountsResponse, error) {
	accounts, asOf, err := a.qs.ListAccounts(ctx, req.Kind, req.Offset, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListAccountsResponse{Accounts: accounts, AsOfSequence: asOf}, nil
}

func (a *API) GetMargin(ctx context.Context, req *GetMarginRequest) (*query.MarginInfo, error) {
	resp, err := a.qs.GetMargin(ctx, req.Index)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (a *API) GetTotals(ctx context.Context, _ *GetTotalsRequest) (*query.TotalsResponse, error) {
	resp, err := a.qs.GetTotals(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (a *API) ListCrankActions(ctx context.Context, req *ListCrankActionsRequest) (*ListCrankActionsResponse, error) {
	index := -1
	if req.Index != nil {
		if *req.Index < 0 {
			return nil, status.Error(codes.InvalidArgument, "index must be >= 0")
		}
		index = *req.Index
	}
	actions, err := a.qs.GetCrankActions(ctx, index, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListCrankActionsResponse{Actions: actions}, nil
}

func (a *API) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	journals, err := a.qs.GetJournalHistory(ctx, req.Index, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListJournalsResponse{Journals: journals}, nil
}

// ============================================================================
// Ingest
// ============================================================================

func (a *API) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*SubmitCommandResponse, error) {
	if a.submitter == nil {
		return nil, status.Error(codes.Unavailable, "command ingestion is not configured")
	}
	if len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}

	et := event.ParseEventType(req.EventType)
	if et == event.EventTypeUnknown || et == event.EventTypeUnparsed {
		return nil, status.Errorf(codes.InvalidArgument, "unknown event_type: %q", req.EventType)
	}

	evt, err := event.DecodeCommand(et, req.Payload)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parse payload: %v", err)
	}

	if err := evt.Validate(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", et, err)
	}

	seq, err := a.submitter.Submit(ctx, evt)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "submit: %v", err)
	}
	return &SubmitCommandResponse{Accepted: true, StreamSequence: seq}, nil
}

// ============================================================================
// Admin
// ============================================================================

func (a *API) GetEventLogInfo(ctx context.Context, _ *GetEventLogInfoRequest) (*query.EventLogInfo, error) {
	info, err := a.qs.GetEventLogInfo(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return info, nil
}

func (a *API) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := a.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

// toStatus maps query errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, query.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, fmt.Sprintf("internal: %v", err))
	}
}
