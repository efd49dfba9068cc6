// Package mcp is the query server's tool surface. The wire framing
// (JSON-RPC envelope, transport) belongs to the external host; this
// package reads line-delimited tool calls from stdin and answers each
// with exactly one result or one structured error, never both.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jamiequint/groundeffect/internal/mutate"
	"github.com/jamiequint/groundeffect/internal/search"
	"github.com/jamiequint/groundeffect/internal/store"
	"github.com/jamiequint/groundeffect/pkg/config"
	"github.com/jamiequint/groundeffect/pkg/errs"
)

// queryTimeout bounds every tool invocation.
const queryTimeout = 30 * time.Second

// Request is one tool call.
type Request struct {
	ID   json.RawMessage `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// ErrorBody is the structured error every failing tool returns.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// Response carries a result or an error, never both.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// Server dispatches tool calls against a read-only store handle.
type Server struct {
	st       *store.Store
	searcher *search.Searcher
	router   *mutate.Router
	cfg      *config.Config
	log      *slog.Logger

	tools map[string]func(ctx context.Context, args json.RawMessage) (any, error)
}

func NewServer(st *store.Store, searcher *search.Searcher, router *mutate.Router, cfg *config.Config, log *slog.Logger) *Server {
	s := &Server{st: st, searcher: searcher, router: router, cfg: cfg, log: log}
	s.tools = map[string]func(context.Context, json.RawMessage) (any, error){
		"search_mail":     s.searchMail,
		"search_calendar": s.searchCalendar,
		"get_mail":        s.getMail,
		"get_thread":      s.getThread,
		"get_event":       s.getEvent,
		"list_folders":    s.listFolders,
		"list_calendars":  s.listCalendars,
		"list_accounts":   s.listAccounts,
		"get_sync_status": s.getSyncStatus,
		"send_mail":       s.sendMail,
		"create_event":    s.createEvent,
		"update_event":    s.updateEvent,
		"delete_event":    s.deleteEvent,
		"mark_read":       s.markRead,
		"mark_unread":     s.markUnread,
		"archive":         s.archive,
		"move_mail":       s.moveMail,
		"delete_mail":     s.deleteMail,
		"trigger_sync":    s.triggerSync,
		"get_attachment":  s.getAttachment,
	}
	return s
}

// Serve processes tool calls until EOF.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{Error: &ErrorBody{Code: "bad_request", Message: "malformed request: " + err.Error()}})
			continue
		}
		resp := s.Dispatch(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Dispatch runs one tool call and shapes the outcome.
func (s *Server) Dispatch(ctx context.Context, req *Request) Response {
	handler, ok := s.tools[req.Tool]
	if !ok {
		return Response{ID: req.ID, Error: &ErrorBody{Code: "bad_request", Message: fmt.Sprintf("unknown tool %q", req.Tool)}}
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := handler(ctx, req.Args)
	if err != nil {
		s.log.Warn("tool failed", "tool", req.Tool, "err", err)
		body := &ErrorBody{Code: errs.Code(err), Message: err.Error()}
		if errs.IsAuth(err) {
			body.Action = "re-authenticate the account with the OAuth flow"
		}
		return Response{ID: req.ID, Error: body}
	}
	return Response{ID: req.ID, Result: result}
}

func decode[T any](args json.RawMessage) (*T, error) {
	var v T
	if len(args) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return nil, errs.Validation("bad arguments: %v", err)
	}
	return &v, nil
}
