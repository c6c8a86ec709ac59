package api

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/matheus3301/vksync/internal/status"
	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Credentials is the part of the call gateway the session service reports
// on and resets.
type Credentials interface {
	Session() *vk.Session
	Refreshing() bool
	Clear()
}

// SessionService implements vksync.v1.SessionService.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	machine     *status.Machine
	creds       Credentials
	db          *store.DB
	tokenPath   string
}

// NewSessionService creates a new session service. creds and db may be nil.
func NewSessionService(sessionName string, machine *status.Machine, creds Credentials, db *store.DB, tokenPath string) *SessionService {
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		machine:     machine,
		creds:       creds,
		db:          db,
		tokenPath:   tokenPath,
	}
}

// Desc implements Service.
func (s *SessionService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: SessionServiceName,
		HandlerType: (*Service)(nil),
		Methods: []grpc.MethodDesc{
			unary(SessionServiceName, "GetStatus", s.GetStatus),
			unary(SessionServiceName, "Logout", s.Logout),
		},
	}
}

// GetStatus reports the driver state, the account and store counters.
func (s *SessionService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	current := s.machine.Current()
	resp := map[string]any{
		"session":       s.sessionName,
		"state":         string(current),
		"since_unix_ms": s.machine.Since().UnixMilli(),
		"uptime_ms":     time.Since(s.startedAt).Milliseconds(),
	}

	if s.creds != nil {
		if sess := s.creds.Session(); sess != nil {
			resp["user_id"] = sess.UserID
		}
		resp["refreshing"] = s.creds.Refreshing()
	}

	if s.db != nil {
		if n, err := s.db.MessageCount(); err == nil {
			resp["message_count"] = n
		}
		if n, err := s.db.ContactCount(); err == nil {
			resp["contact_count"] = n
		}
	}

	return result(resp)
}

// Logout drops the credentials, removes the token file and terminates the
// session.
func (s *SessionService) Logout(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.creds == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "gateway not initialized")
	}
	s.creds.Clear()
	if s.tokenPath != "" {
		if err := os.Remove(s.tokenPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, grpcstatus.Errorf(codes.Internal, "remove token: %v", err)
		}
	}
	s.machine.Terminate("logged out")
	return result(map[string]any{"success": true, "message": "logged out"})
}
